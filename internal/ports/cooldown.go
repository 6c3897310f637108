package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// CooldownRegistry guarda los timers de cooldown. Solo puede haber uno ACTIVE
// por (user, día).
type CooldownRegistry interface {
	HasActive(ctx context.Context, userID string, day domain.TradingDay) (bool, error)

	// Schedule crea un timer ACTIVE que completa en completesAt. Devuelve
	// false si ya había uno activo.
	Schedule(ctx context.Context, userID string, day domain.TradingDay, completesAt time.Time) (bool, error)

	// CompleteDue marca como COMPLETED los timers activos vencidos en now y
	// los devuelve. Cada timer se devuelve una sola vez.
	CompleteDue(ctx context.Context, now time.Time) ([]domain.CooldownTimer, error)
}
