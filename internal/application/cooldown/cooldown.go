package cooldown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
)

const (
	DefaultThreshold   = 1
	DefaultDuration    = time.Hour
	DefaultRefillSlots = 5
)

// Config agrupa los parámetros del cooldown.
type Config struct {
	// Threshold: con available < Threshold se programa un timer.
	Threshold int
	// Duration: tiempo entre que se programa el timer y el refill.
	Duration time.Duration
	// RefillSlots: slots que devuelve el Refiller al completar un timer.
	RefillSlots int
	Clock       func() time.Time
}

func (c *Config) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Duration <= 0 {
		c.Duration = DefaultDuration
	}
	if c.RefillSlots <= 0 {
		c.RefillSlots = DefaultRefillSlots
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Trigger programa un timer de cooldown cuando el saldo de un usuario cae por
// debajo del umbral y no hay ninguno activo. No ejecuta el timer.
type Trigger struct {
	ledger   ports.SlotLedger
	registry ports.CooldownRegistry
	cfg      Config
}

// NewTrigger crea un Trigger.
func NewTrigger(ledger ports.SlotLedger, registry ports.CooldownRegistry, cfg Config) *Trigger {
	cfg.setDefaults()
	return &Trigger{ledger: ledger, registry: registry, cfg: cfg}
}

// Check relee el saldo y programa un timer si hace falta. Devuelve true si
// creó uno. Es idempotente: llamarlo varias veces crea como mucho un timer.
func (t *Trigger) Check(ctx context.Context, userID string, day domain.TradingDay) (bool, error) {
	budget, err := t.ledger.GetOrCreate(ctx, userID, day)
	if err != nil {
		return false, fmt.Errorf("cooldown.Check: read budget: %w", err)
	}
	if budget.Available >= t.cfg.Threshold {
		return false, nil
	}

	active, err := t.registry.HasActive(ctx, userID, day)
	if err != nil {
		return false, fmt.Errorf("cooldown.Check: has active: %w", err)
	}
	if active {
		return false, nil
	}

	completesAt := t.cfg.Clock().Add(t.cfg.Duration)
	created, err := t.registry.Schedule(ctx, userID, day, completesAt)
	if err != nil {
		return false, fmt.Errorf("cooldown.Check: schedule: %w", err)
	}
	if created {
		slog.Info("cooldown scheduled",
			"user", userID,
			"day", day,
			"available", budget.Available,
			"completes_at", completesAt.Format(time.RFC3339),
		)
	}
	return created, nil
}

// Refiller completa los timers vencidos y devuelve slots al presupuesto.
type Refiller struct {
	ledger   ports.SlotLedger
	registry ports.CooldownRegistry
	cfg      Config
}

// NewRefiller crea un Refiller.
func NewRefiller(ledger ports.SlotLedger, registry ports.CooldownRegistry, cfg Config) *Refiller {
	cfg.setDefaults()
	return &Refiller{ledger: ledger, registry: registry, cfg: cfg}
}

// RunOnce completa los timers vencidos en now y devuelve cuántos presupuestos
// se rellenaron. Un refund fallido no detiene el resto.
func (r *Refiller) RunOnce(ctx context.Context, now time.Time) (int, error) {
	timers, err := r.registry.CompleteDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("cooldown.RunOnce: complete due: %w", err)
	}

	var (
		refilled int
		errs     []error
	)
	for _, t := range timers {
		b, err := r.ledger.Refund(ctx, t.UserID, t.TradingDay, r.cfg.RefillSlots)
		if err != nil {
			slog.Error("cooldown refill failed", "user", t.UserID, "day", t.TradingDay, "err", err)
			errs = append(errs, fmt.Errorf("refill %s/%s: %w", t.UserID, t.TradingDay, err))
			continue
		}
		refilled++
		slog.Info("cooldown completed", "user", t.UserID, "day", t.TradingDay, "available", b.Available)
	}
	if len(errs) > 0 {
		return refilled, fmt.Errorf("cooldown.RunOnce: %w", errors.Join(errs...))
	}
	return refilled, nil
}
