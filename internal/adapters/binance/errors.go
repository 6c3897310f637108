package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/adshao/go-binance/v2/common"
	"github.com/alejandrodnm/pricebands/internal/domain"
)

// statusError es un status HTTP que clasificamos antes de que go-binance
// intente parsear el body.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http %d", e.code)
	}
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// statusTransport convierte 429/418 y 5xx en errores de transporte. El resto
// de respuestas pasa intacto: los 4xx llevan el código de Binance en el body.
type statusTransport struct {
	next http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusTeapot, // IP baneada por exceso de 429
		resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return resp, nil
}

// limiterError marca un fallo del rate limiter local.
type limiterError struct{ err error }

func (e *limiterError) Error() string { return "rate limiter: " + e.err.Error() }
func (e *limiterError) Unwrap() error { return e.err }

// classify traduce un error de go-binance o del transporte a un domain.Kind.
func classify(parent context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	// Cancelación del caller: no es culpa del oráculo
	if parent.Err() != nil && errors.Is(err, context.Canceled) {
		return domain.E(domain.KindUnknown, op, "cancelled", err)
	}

	var le *limiterError
	if errors.As(err, &le) {
		return domain.E(domain.KindOracleRateLimited, op, "local limiter", err)
	}

	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusTooManyRequests || se.code == http.StatusTeapot {
			return domain.E(domain.KindOracleRateLimited, op, "", err)
		}
		return domain.E(domain.KindOracleUnavailable, op, "", err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return domain.E(apiErrorKind(apiErr.Code), op, "", err)
	}

	if isTimeout(err) {
		return domain.E(domain.KindOracleTimeout, op, "", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.E(domain.KindOracleUnavailable, op, "", err)
	}
	return domain.E(domain.KindUnknown, op, "", err)
}

// apiErrorKind mapea los códigos de error de Binance.
// https://developers.binance.com/docs/binance-spot-api-docs/errors
func apiErrorKind(code int64) domain.Kind {
	switch {
	case code == -1003 || code == -1015:
		return domain.KindOracleRateLimited
	case code == -1007:
		return domain.KindOracleTimeout
	case code == -1000 || code == -1001 || code == -1006 || code == -1008:
		return domain.KindOracleUnavailable
	case code <= -1100 && code > -1200:
		return domain.KindOracleInvalidParams
	default:
		return domain.KindUnknown
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
