package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PredictionStatus es el estado del ciclo de vida de una predicción.
type PredictionStatus string

const (
	StatusPending PredictionStatus = "PENDING"
	StatusWon     PredictionStatus = "WON"
	StatusLost    PredictionStatus = "LOST"
	StatusError   PredictionStatus = "ERROR"
)

// IsTerminal devuelve true para WON, LOST y ERROR. Ningún estado terminal
// vuelve a PENDING.
func (s PredictionStatus) IsTerminal() bool {
	switch s {
	case StatusWon, StatusLost, StatusError:
		return true
	default:
		return false
	}
}

// Valid devuelve true si s es uno de los cuatro estados conocidos.
func (s PredictionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusWon, StatusLost, StatusError:
		return true
	default:
		return false
	}
}

// Prediction es una apuesta direccional sobre el cierre de una vela futura.
type Prediction struct {
	ID              string // UUID
	UserID          string
	TradingDay      TradingDay
	Symbol          string // "BTCUSDT"
	Interval        string // "1h"
	TargetOpenTime  int64  // epoch ms, inicio de la ventana
	TargetCloseTime int64  // epoch ms, fin de la ventana
	Row             int    // selector de BandTable

	P0       decimal.Decimal     // precio de referencia al enviar
	BandLow  decimal.NullDecimal // ausente = banda abierta por abajo
	BandHigh decimal.NullDecimal // ausente = banda abierta por arriba

	Status             PredictionStatus
	SettlementPrice    decimal.NullDecimal
	SettlementAttempts int
	LastError          string
	LastSettlementAt   *time.Time
	CreatedAt          time.Time
}

// Band devuelve los límites de la predicción como Band.
func (p Prediction) Band() Band {
	return Band{Low: p.BandLow, High: p.BandHigh}
}

// WindowDuration devuelve la duración de la ventana objetivo.
func (p Prediction) WindowDuration() time.Duration {
	return time.Duration(p.TargetCloseTime-p.TargetOpenTime) * time.Millisecond
}

// Key identifica una predicción de forma única: (user, window start, row).
type PredictionKey struct {
	UserID         string
	TargetOpenTime int64
	Row            int
}

// Key devuelve la clave de unicidad de la predicción.
func (p Prediction) Key() PredictionKey {
	return PredictionKey{UserID: p.UserID, TargetOpenTime: p.TargetOpenTime, Row: p.Row}
}

// PredictionPage es una página de predicciones de un usuario.
type PredictionPage struct {
	Items   []Prediction
	Limit   int
	Offset  int
	HasNext bool
}

// SettlementResult agrega el resultado de una pasada de settlement.
type SettlementResult struct {
	Processed int
	Won       int
	Lost      int
	Failed    int
}

// Add acumula otro resultado.
func (r *SettlementResult) Add(o SettlementResult) {
	r.Processed += o.Processed
	r.Won += o.Won
	r.Lost += o.Lost
	r.Failed += o.Failed
}
