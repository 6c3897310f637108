package domain

import (
	"fmt"
	"time"
)

// TradingDay es la clave de día (YYYY-MM-DD) en la zona horaria de referencia.
type TradingDay string

const tradingDayLayout = "2006-01-02"

// TradingDayOf devuelve el día de trading de t en loc.
func TradingDayOf(t time.Time, loc *time.Location) TradingDay {
	if loc == nil {
		loc = time.UTC
	}
	return TradingDay(t.In(loc).Format(tradingDayLayout))
}

// ParseTradingDay valida una clave de día.
func ParseTradingDay(s string) (TradingDay, error) {
	if _, err := time.Parse(tradingDayLayout, s); err != nil {
		return "", fmt.Errorf("domain.ParseTradingDay: %q: %w", s, err)
	}
	return TradingDay(s), nil
}

func (d TradingDay) String() string { return string(d) }

// SlotBudget es el presupuesto diario de slots de un usuario.
type SlotBudget struct {
	UserID     string
	TradingDay TradingDay
	Available  int
	UpdatedAt  time.Time
}

// CooldownStatus es el estado de un timer de cooldown.
type CooldownStatus string

const (
	CooldownActive    CooldownStatus = "ACTIVE"
	CooldownCompleted CooldownStatus = "COMPLETED"
)

// CooldownTimer retrasa el refill de slots de un usuario agotado.
// Como mucho hay un timer ACTIVE por (user, día).
type CooldownTimer struct {
	UserID      string
	TradingDay  TradingDay
	StartedAt   time.Time
	CompletesAt time.Time
	Status      CooldownStatus
}

// Remaining devuelve cuánto falta para que el timer complete.
func (t CooldownTimer) Remaining(now time.Time) time.Duration {
	if t.Status != CooldownActive || !now.Before(t.CompletesAt) {
		return 0
	}
	return t.CompletesAt.Sub(now)
}
