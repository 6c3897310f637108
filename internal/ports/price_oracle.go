package ports

import (
	"context"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// CandleQuery describe una petición de velas. StartTime/EndTime en epoch ms;
// cero significa "sin límite" (el exchange devuelve las más recientes).
type CandleQuery struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime int64
	EndTime   int64
}

// PriceOracle obtiene velas OHLC de un exchange.
type PriceOracle interface {
	// FetchCandles devuelve las velas ordenadas por OpenTime ascendente.
	// Los fallos llevan un domain.Kind de oráculo: OracleTimeout,
	// OracleRateLimited, OracleInvalidParams, OracleUnavailable o Unknown.
	FetchCandles(ctx context.Context, q CandleQuery) ([]domain.Candle, error)
}
