package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// ErrSlotsExhausted indica que un Consume condicional no tocó ninguna fila:
// el saldo no alcanzaba en el momento del update.
var ErrSlotsExhausted = errors.New("slot ledger: not enough slots")

// SlotLedger lleva el presupuesto diario de slots por usuario.
type SlotLedger interface {
	// GetOrCreate devuelve el presupuesto del día, creándolo con el cupo
	// diario por defecto si no existe.
	GetOrCreate(ctx context.Context, userID string, day domain.TradingDay) (domain.SlotBudget, error)

	// Consume descuenta amount de forma atómica (decrement-if-enough).
	// Nunca deja el saldo en negativo; si no alcanza devuelve ErrSlotsExhausted.
	Consume(ctx context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error)

	// Refund devuelve amount slots al presupuesto.
	Refund(ctx context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error)
}
