package ports

import (
	"context"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// Reporter presenta resultados al operador.
// En la implementación de consola, imprime tablas formateadas.
type Reporter interface {
	ReportSweep(ctx context.Context, result domain.SettlementResult, settled []domain.Prediction) error
	ReportPage(ctx context.Context, userID string, page domain.PredictionPage) error
}
