package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize       = 200
	DefaultWorkers        = 8
	DefaultMaxAttempts    = 5
	DefaultCloseTolerance = 500 * time.Millisecond
)

// Config agrupa los parámetros del sweep.
type Config struct {
	PageSize       int           // candidatas por invocación
	Workers        int           // predicciones en paralelo
	CloseTolerance time.Duration // margen entre close de la vela y fin de ventana
}

// CooldownChecker es lo que el sweep necesita del trigger de cooldown.
type CooldownChecker interface {
	Check(ctx context.Context, userID string, day domain.TradingDay) (bool, error)
}

// Sweep resuelve las predicciones vencidas.
type Sweep struct {
	store    ports.PredictionStore
	oracle   ports.PriceOracle
	trigger  CooldownChecker // opcional
	metrics  ports.Metrics
	reporter ports.Reporter // opcional
	cfg      Config
}

// New crea un Sweep. trigger y reporter pueden ser nil.
func New(store ports.PredictionStore, oracle ports.PriceOracle, trigger CooldownChecker, metrics ports.Metrics, reporter ports.Reporter, cfg Config) *Sweep {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CloseTolerance <= 0 {
		cfg.CloseTolerance = DefaultCloseTolerance
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Sweep{store: store, oracle: oracle, trigger: trigger, metrics: metrics, reporter: reporter, cfg: cfg}
}

// outcome es el resultado de procesar una predicción.
type outcome struct {
	pred   domain.Prediction
	status domain.PredictionStatus // PENDING = reintento pendiente
}

// SettleDue procesa una página de predicciones vencidas en now. Nunca falla
// por una predicción concreta: esos errores se acumulan en el contador de
// intentos. Solo devuelve error si no se pudo leer la página.
//
// Una invocación arrancada termina su página aunque ctx se cancele.
func (s *Sweep) SettleDue(ctx context.Context, now time.Time, maxAttempts int) (domain.SettlementResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	start := time.Now()
	ctx = context.WithoutCancel(ctx)

	due, err := s.store.SelectDue(ctx, now, maxAttempts, s.cfg.PageSize)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement.SettleDue: select due: %w", err)
	}
	if len(due) == 0 {
		s.finish(ctx, domain.SettlementResult{}, nil, time.Since(start))
		return domain.SettlementResult{}, nil
	}

	outcomes := make([]outcome, len(due))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, p := range due {
		g.Go(func() error {
			outcomes[i] = s.settleOne(ctx, p, now, maxAttempts)
			return nil
		})
	}
	g.Wait()

	var (
		result  domain.SettlementResult
		settled []domain.Prediction
		touched = make(map[userDay]struct{})
	)
	for _, o := range outcomes {
		result.Processed++
		switch {
		case o.status == domain.StatusWon:
			result.Won++
		case o.status == domain.StatusLost:
			result.Lost++
		default:
			result.Failed++
		}
		if o.status.IsTerminal() {
			settled = append(settled, o.pred)
			s.metrics.PredictionSettled(o.status)
		}
		touched[userDay{o.pred.UserID, o.pred.TradingDay}] = struct{}{}
	}

	s.recheckCooldowns(ctx, touched)
	s.finish(ctx, result, settled, time.Since(start))
	return result, nil
}

// settleOne resuelve una predicción. Cualquier fallo suma un intento.
func (s *Sweep) settleOne(ctx context.Context, p domain.Prediction, now time.Time, maxAttempts int) (o outcome) {
	o = outcome{pred: p, status: domain.StatusPending}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("settlement panic", "id", p.ID, "panic", r)
			o = s.recordFailure(ctx, p, fmt.Errorf("panic: %v", r), now, maxAttempts)
		}
	}()

	price, err := s.settlementPrice(ctx, p, now)
	if err != nil {
		return s.recordFailure(ctx, p, err, now, maxAttempts)
	}

	status := domain.Resolve(price, p.Band())
	errText := ""
	if status == domain.StatusError {
		errText = "prediction has no band bounds"
	}
	if err := s.store.UpdateOutcome(ctx, p.ID, status, decimal.NewNullDecimal(price), errText, now); err != nil {
		slog.Error("settlement update failed", "id", p.ID, "status", status, "err", err)
		return s.recordFailure(ctx, p, err, now, maxAttempts)
	}

	p.Status = status
	p.SettlementPrice = decimal.NewNullDecimal(price)
	p.SettlementAttempts++
	p.LastError = errText
	p.LastSettlementAt = &now
	slog.Debug("prediction settled", "id", p.ID, "user", p.UserID, "status", status, "price", price.String())
	return outcome{pred: p, status: status}
}

// settlementPrice pide la vela que cubre exactamente la ventana.
func (s *Sweep) settlementPrice(ctx context.Context, p domain.Prediction, now time.Time) (decimal.Decimal, error) {
	candles, err := s.oracle.FetchCandles(ctx, ports.CandleQuery{
		Symbol:    p.Symbol,
		Interval:  p.Interval,
		Limit:     1,
		StartTime: p.TargetOpenTime,
		EndTime:   p.TargetCloseTime,
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	c, ok := domain.SettlementCandle(candles, p.TargetOpenTime, p.TargetCloseTime, now, s.cfg.CloseTolerance)
	if !ok {
		return decimal.Decimal{}, domain.E(domain.KindSettlementDataNotReady, "settlement.settlementPrice",
			fmt.Sprintf("no closed candle for window [%d, %d]", p.TargetOpenTime, p.TargetCloseTime), nil)
	}
	return c.Close, nil
}

// recordFailure suma un intento. Si era el último, la predicción pasa a ERROR.
// Si el store no acepta la escritura, la predicción cuenta como fallida sin
// cambiar de estado.
func (s *Sweep) recordFailure(ctx context.Context, p domain.Prediction, cause error, now time.Time, maxAttempts int) outcome {
	terminal := p.SettlementAttempts+1 >= maxAttempts
	if err := s.store.IncrementAttempt(ctx, p.ID, cause.Error(), terminal, now); err != nil {
		// Nada quedó guardado: la predicción sigue como estaba en el store.
		slog.Error("settlement attempt not recorded", "id", p.ID, "err", err, "cause", cause)
		return outcome{pred: p, status: domain.StatusPending}
	}

	p.SettlementAttempts++
	p.LastError = cause.Error()
	p.LastSettlementAt = &now

	if terminal {
		p.Status = domain.StatusError
		slog.Warn("settlement gave up", "id", p.ID, "attempts", p.SettlementAttempts, "err", cause)
		return outcome{pred: p, status: domain.StatusError}
	}
	slog.Info("settlement retry scheduled", "id", p.ID, "attempts", p.SettlementAttempts, "kind", domain.KindOf(cause), "err", cause)
	return outcome{pred: p, status: domain.StatusPending}
}

type userDay struct {
	user string
	day  domain.TradingDay
}

// recheckCooldowns vuelve a pasar el trigger por cada usuario tocado. Cubre
// el caso de un trigger best-effort que falló al crear la predicción.
func (s *Sweep) recheckCooldowns(ctx context.Context, touched map[userDay]struct{}) {
	if s.trigger == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for ud := range touched {
		g.Go(func() error {
			if _, err := s.trigger.Check(ctx, ud.user, ud.day); err != nil {
				slog.Warn("cooldown recheck failed", "user", ud.user, "day", ud.day, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Sweep) finish(ctx context.Context, result domain.SettlementResult, settled []domain.Prediction, took time.Duration) {
	s.metrics.SweepCompleted(result, took)
	if result.Processed > 0 {
		slog.Info("settlement sweep done",
			"processed", result.Processed,
			"won", result.Won,
			"lost", result.Lost,
			"failed", result.Failed,
			"took", took.Round(time.Millisecond),
		)
	}
	if s.reporter != nil {
		if err := s.reporter.ReportSweep(ctx, result, settled); err != nil {
			slog.Warn("sweep report failed", "err", err)
		}
	}
}
