package ports

import (
	"context"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// ErrorLog registra errores inesperados con contexto para revisión posterior.
// Es best-effort: quien llama no reacciona a sus fallos.
type ErrorLog interface {
	Record(ctx context.Context, kind string, day *domain.TradingDay, details map[string]any) error
}
