package binance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.binance.com"

	// Binance spot: 6000 weight/min. klines pesa 2 con limit<100 → 50/s.
	// Nos quedamos en el 40%.
	defaultRatePerSec = 20
	defaultBurst      = 5

	defaultTimeout = 5 * time.Second
	defaultRetries = 1
	baseRetryWait  = 200 * time.Millisecond
)

// Options configura el Client. Los ceros toman los valores por defecto.
type Options struct {
	BaseURL    string
	Timeout    time.Duration // por llamada, incluida la espera del limiter
	RatePerSec float64
	Burst      int
	Retries    int // reintentos ante 5xx; timeouts y 429 nunca se reintentan
}

// Client implementa ports.PriceOracle sobre el endpoint de klines de Binance.
type Client struct {
	api     *gobinance.Client
	limiter *rate.Limiter
	timeout time.Duration
	retries int
}

var _ ports.PriceOracle = (*Client)(nil)

// NewClient crea un Client. Si BaseURL está vacío usa producción.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = defaultRatePerSec
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}

	api := gobinance.NewClient("", "")
	api.BaseURL = opts.BaseURL
	api.HTTPClient = &http.Client{
		Transport: &statusTransport{next: http.DefaultTransport},
	}

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		timeout: opts.Timeout,
		retries: opts.Retries,
	}
}

// FetchCandles devuelve las velas de q ordenadas por OpenTime ascendente.
// Cada intento tiene su propio deadline; un timeout se devuelve sin reintentar
// y lo recoge el siguiente sweep.
func (c *Client) FetchCandles(ctx context.Context, q ports.CandleQuery) ([]domain.Candle, error) {
	const op = "binance.FetchCandles"
	if q.Symbol == "" || q.Interval == "" {
		return nil, domain.E(domain.KindOracleInvalidParams, op, "symbol and interval are required", nil)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		candles, err := c.fetchOnce(ctx, q)
		if err == nil {
			return candles, nil
		}
		lastErr = classify(ctx, op, err)
		if domain.KindOf(lastErr) != domain.KindOracleUnavailable || attempt == c.retries {
			break
		}
		slog.Warn("binance unavailable, retrying", "symbol", q.Symbol, "attempt", attempt+1, "err", err)
		if !c.sleep(ctx, attempt) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, q ports.CandleQuery) ([]domain.Candle, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(callCtx); err != nil {
		return nil, &limiterError{err: err}
	}

	svc := c.api.NewKlinesService().Symbol(q.Symbol).Interval(q.Interval)
	if q.Limit > 0 {
		svc = svc.Limit(q.Limit)
	}
	if q.StartTime > 0 {
		svc = svc.StartTime(q.StartTime)
	}
	if q.EndTime > 0 {
		svc = svc.EndTime(q.EndTime)
	}

	klines, err := svc.Do(callCtx)
	if err != nil {
		return nil, err
	}
	return mapKlines(klines)
}

// mapKlines convierte las velas de go-binance a domain.Candle.
func mapKlines(klines []*gobinance.Kline) ([]domain.Candle, error) {
	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		c := domain.Candle{OpenTime: k.OpenTime, CloseTime: k.CloseTime}
		fields := []struct {
			dst *decimal.Decimal
			raw string
			n   string
		}{
			{&c.Open, k.Open, "open"},
			{&c.High, k.High, "high"},
			{&c.Low, k.Low, "low"},
			{&c.Close, k.Close, "close"},
			{&c.Volume, k.Volume, "volume"},
		}
		for _, f := range fields {
			d, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s %q: %w", f.n, f.raw, err)
			}
			*f.dst = d
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// sleep espera con backoff exponencial. Devuelve false si el contexto terminó.
func (c *Client) sleep(ctx context.Context, attempt int) bool {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
