package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
)

// Oracle es un PriceOracle con velas fijadas a mano.
// Filtra igual que Binance: con StartTime devuelve las velas cuyo OpenTime cae
// en [StartTime, EndTime] desde la más antigua; sin StartTime, las últimas Limit.
type Oracle struct {
	mu      sync.Mutex
	candles map[string][]domain.Candle
	err     error
	calls   int
}

var _ ports.PriceOracle = (*Oracle)(nil)

// NewOracle crea un Oracle sin velas.
func NewOracle() *Oracle {
	return &Oracle{candles: make(map[string][]domain.Candle)}
}

// SetCandles reemplaza las velas de symbol/interval.
func (o *Oracle) SetCandles(symbol, interval string, candles ...domain.Candle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs := append([]domain.Candle(nil), candles...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].OpenTime < cs[j].OpenTime })
	o.candles[symbol+"/"+interval] = cs
}

// AddCandle añade una vela a symbol/interval.
func (o *Oracle) AddCandle(symbol, interval string, c domain.Candle) {
	o.mu.Lock()
	cs := append(o.candles[symbol+"/"+interval], c)
	o.mu.Unlock()
	o.SetCandles(symbol, interval, cs...)
}

// FailWith hace que todas las llamadas fallen con err. nil lo desactiva.
func (o *Oracle) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Calls devuelve cuántas veces se llamó a FetchCandles.
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *Oracle) FetchCandles(ctx context.Context, q ports.CandleQuery) ([]domain.Candle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++

	if err := ctx.Err(); err != nil {
		return nil, domain.E(domain.KindUnknown, "memory.FetchCandles", "cancelled", err)
	}
	if o.err != nil {
		return nil, o.err
	}

	all := o.candles[q.Symbol+"/"+q.Interval]
	if q.StartTime == 0 && q.EndTime == 0 {
		if q.Limit > 0 && len(all) > q.Limit {
			all = all[len(all)-q.Limit:]
		}
		return append([]domain.Candle(nil), all...), nil
	}

	var out []domain.Candle
	for _, c := range all {
		if c.OpenTime < q.StartTime {
			continue
		}
		if q.EndTime > 0 && c.OpenTime > q.EndTime {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
