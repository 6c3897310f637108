package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// PriceScale es el número de decimales con los que se guardan precios y bandas.
const PriceScale = 8

var hundred = decimal.NewFromInt(100)

// BandVariant es una fila de la tabla de bandas: offsets porcentuales
// relativos a p0. Un offset nil significa banda abierta por ese lado.
type BandVariant struct {
	Row      int
	Name     string
	LowerPct *decimal.Decimal // nil = sin límite inferior
	UpperPct *decimal.Decimal // nil = sin límite superior

	// AliasOf apunta a otra fila cuando esta variante todavía no tiene
	// definición propia. Lookup resuelve el alias.
	AliasOf     *int
	Placeholder bool
}

// BandTable es la configuración estática row → variante.
type BandTable map[int]BandVariant

func pct(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func intPtr(v int) *int { return &v }

// DefaultBandTable devuelve la tabla de variantes soportada.
//
//	row 0 "rise": sube ≥ +1%       → [p0·1.01, ∞)
//	row 1 "flat": dentro de ±1%    → [p0·0.99, p0·1.01]
//	row 2 "fall": baja ≤ −1%       → (−∞, p0·0.99]
//	row 3: alias de la fila 1, pendiente de definición real
func DefaultBandTable() BandTable {
	return BandTable{
		0: {Row: 0, Name: "rise", LowerPct: pct("1")},
		1: {Row: 1, Name: "flat", LowerPct: pct("-1"), UpperPct: pct("1")},
		2: {Row: 2, Name: "fall", UpperPct: pct("-1")},
		3: {Row: 3, Name: "flat-alias", AliasOf: intPtr(1), Placeholder: true},
	}
}

// Lookup devuelve la variante efectiva para row, resolviendo un nivel de alias.
func (t BandTable) Lookup(row int) (BandVariant, bool) {
	v, ok := t[row]
	if !ok {
		return BandVariant{}, false
	}
	if v.AliasOf != nil {
		target, ok := t[*v.AliasOf]
		if !ok || target.AliasOf != nil {
			return BandVariant{}, false
		}
		target.Row = row
		target.Name = v.Name
		target.Placeholder = v.Placeholder
		return target, true
	}
	return v, true
}

// Rows devuelve las filas de la tabla ordenadas.
func (t BandTable) Rows() []int {
	rows := make([]int, 0, len(t))
	for r := range t {
		rows = append(rows, r)
	}
	sort.Ints(rows)
	return rows
}

// Band es un rango de precios, posiblemente abierto por un lado.
type Band struct {
	Low  decimal.NullDecimal
	High decimal.NullDecimal
}

// ComputeBand aplica los offsets de la variante sobre p0 y redondea cada límite
// a PriceScale decimales (half-up; los precios son positivos).
func ComputeBand(p0 decimal.Decimal, v BandVariant) Band {
	var b Band
	if v.LowerPct != nil {
		b.Low = decimal.NewNullDecimal(applyPct(p0, *v.LowerPct))
	}
	if v.UpperPct != nil {
		b.High = decimal.NewNullDecimal(applyPct(p0, *v.UpperPct))
	}
	return b
}

func applyPct(p0, pct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(pct.Div(hundred))
	return p0.Mul(factor).Round(PriceScale)
}

// Resolve determina el resultado de una banda frente al precio de settlement.
//
// Banda de dos lados: WON si low ≤ price ≤ high. Solo límite inferior: WON si
// price ≥ low. Solo superior: WON si price ≤ high. Sin límites: ERROR.
func Resolve(price decimal.Decimal, b Band) PredictionStatus {
	switch {
	case b.Low.Valid && b.High.Valid:
		if price.GreaterThanOrEqual(b.Low.Decimal) && price.LessThanOrEqual(b.High.Decimal) {
			return StatusWon
		}
		return StatusLost
	case b.Low.Valid:
		if price.GreaterThanOrEqual(b.Low.Decimal) {
			return StatusWon
		}
		return StatusLost
	case b.High.Valid:
		if price.LessThanOrEqual(b.High.Decimal) {
			return StatusWon
		}
		return StatusLost
	default:
		return StatusError
	}
}
