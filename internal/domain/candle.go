package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle es una vela OHLC. Los tiempos son epoch ms.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ClosedAt devuelve true si la vela ya cerró en el instante now.
func (c Candle) ClosedAt(now time.Time) bool {
	return c.CloseTime <= now.UnixMilli()
}

// ReferenceCandle elige la vela cuyo close sirve como p0: la más reciente
// completamente cerrada. Si la última todavía está abierta usa la anterior.
// candles debe venir ordenado por OpenTime ascendente.
func ReferenceCandle(candles []Candle, now time.Time) (Candle, bool) {
	if len(candles) == 0 {
		return Candle{}, false
	}
	last := candles[len(candles)-1]
	if last.ClosedAt(now) {
		return last, true
	}
	if len(candles) < 2 {
		return Candle{}, false
	}
	return candles[len(candles)-2], true
}

// SettlementCandle busca la vela que abre exactamente en openMs y ya cerró en
// now. Devuelve false si no existe, si sigue abierta o si su close queda más de
// tolerance por detrás del fin de la ventana: el dato todavía no está disponible.
func SettlementCandle(candles []Candle, openMs, closeMs int64, now time.Time, tolerance time.Duration) (Candle, bool) {
	for _, c := range candles {
		if c.OpenTime != openMs {
			continue
		}
		if !c.ClosedAt(now) || c.CloseTime < closeMs-tolerance.Milliseconds() {
			return Candle{}, false
		}
		return c, true
	}
	return Candle{}, false
}

// AlignedTo devuelve true si ms cae en un límite de interval (epoch UTC).
func AlignedTo(ms int64, interval time.Duration) bool {
	step := interval.Milliseconds()
	return step > 0 && ms%step == 0
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration devuelve la duración de un intervalo de velas ("1h" → 1h).
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervalDurations[interval]
	return d, ok
}
