package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultWindowTolerance = 60 * time.Second
	DefaultListLimit       = 20
	MaxListLimit           = 100

	// codeOK es el código de métricas de una creación correcta.
	codeOK = "OK"
)

// Config son los ajustes globales del motor, inyectados al construirlo.
type Config struct {
	Symbols         []string // allow-list, p.ej. ["BTCUSDT"]
	Intervals       []string // allow-list, p.ej. ["1h"]
	Bands           domain.BandTable
	Location        *time.Location // zona del trading day
	WindowTolerance time.Duration  // desvío admitido entre ventana e intervalo

	// SerializeAdmission serializa las creaciones de un mismo usuario dentro
	// del proceso. El UNIQUE del store sigue siendo la garantía real.
	SerializeAdmission bool

	Clock func() time.Time
}

// CooldownChecker es lo que el motor necesita del trigger de cooldown.
type CooldownChecker interface {
	Check(ctx context.Context, userID string, day domain.TradingDay) (bool, error)
}

// Deps son los colaboradores del motor.
type Deps struct {
	Store     ports.PredictionStore
	Ledger    ports.SlotLedger
	Cooldowns ports.CooldownRegistry
	Oracle    ports.PriceOracle
	Trigger   CooldownChecker
	Errors    ports.ErrorLog // opcional
	Metrics   ports.Metrics  // opcional
}

// Engine crea y lista predicciones.
type Engine struct {
	store     ports.PredictionStore
	ledger    ports.SlotLedger
	cooldowns ports.CooldownRegistry
	oracle    ports.PriceOracle
	trigger   CooldownChecker
	errlog    ports.ErrorLog
	metrics   ports.Metrics

	cfg      Config
	validate *validator.Validate
	locks    *userLocks
}

// New crea un Engine. Los campos vacíos de cfg toman valores por defecto.
func New(deps Deps, cfg Config) *Engine {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []string{"1h"}
	}
	if cfg.Bands == nil {
		cfg.Bands = domain.DefaultBandTable()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.WindowTolerance <= 0 {
		cfg.WindowTolerance = DefaultWindowTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	return &Engine{
		store:     deps.Store,
		ledger:    deps.Ledger,
		cooldowns: deps.Cooldowns,
		oracle:    deps.Oracle,
		trigger:   deps.Trigger,
		errlog:    deps.Errors,
		metrics:   deps.Metrics,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		locks:     newUserLocks(),
	}
}

// CreateRequest es el payload de una predicción.
type CreateRequest struct {
	Symbol          string `validate:"required,uppercase,alphanum"`
	Interval        string `validate:"required"`
	Row             int    `validate:"gte=0"`
	TargetOpenTime  int64  `validate:"required,gt=0"`                   // epoch ms
	TargetCloseTime int64  `validate:"required,gtfield=TargetOpenTime"` // epoch ms
}

// ListRequest filtra y pagina las predicciones de un usuario.
type ListRequest struct {
	Symbol   string `validate:"required"`
	Interval string `validate:"required"`
	Limit    int    `validate:"gte=0,lte=100"` // 0 = DefaultListLimit
	Offset   int    `validate:"gte=0"`
}

// CreatePrediction valida, reserva un slot, fija el precio de referencia y
// persiste la predicción. Si algo falla tras consumir el slot, lo devuelve.
func (e *Engine) CreatePrediction(ctx context.Context, userID string, req CreateRequest) (p domain.Prediction, err error) {
	const op = "engine.CreatePrediction"
	defer func() { e.metrics.PredictionSubmitted(outcomeCode(err)) }()

	now := e.cfg.Clock()
	variant, err := e.validateCreate(op, userID, req, now)
	if err != nil {
		return domain.Prediction{}, err
	}
	day := domain.TradingDayOf(now, e.cfg.Location)

	if e.cfg.SerializeAdmission {
		unlock := e.locks.lock(userID)
		defer unlock()
	}

	// 1. Dedup a nivel de aplicación. El UNIQUE del store cubre la carrera.
	exists, err := e.store.Exists(ctx, userID, req.TargetOpenTime, req.Row)
	if err != nil {
		return domain.Prediction{}, e.unexpected(ctx, userID, day, req, wrap(op, "exists", err))
	}
	if exists {
		return domain.Prediction{}, domain.E(domain.KindDuplicatePrediction, op,
			fmt.Sprintf("row %d for window %d already submitted", req.Row, req.TargetOpenTime), nil)
	}

	// 2. Admisión
	budget, err := e.ledger.GetOrCreate(ctx, userID, day)
	if err != nil {
		return domain.Prediction{}, e.unexpected(ctx, userID, day, req, wrap(op, "read budget", err))
	}
	if budget.Available <= 0 {
		return domain.Prediction{}, e.unexpected(ctx, userID, day, req, e.exhausted(ctx, op, userID, day))
	}

	after, err := e.ledger.Consume(ctx, userID, day, 1)
	if errors.Is(err, ports.ErrSlotsExhausted) {
		return domain.Prediction{}, domain.E(domain.KindSlotConsumptionRaced, op, "budget drained concurrently", err)
	}
	if err != nil {
		return domain.Prediction{}, e.unexpected(ctx, userID, day, req, wrap(op, "consume slot", err))
	}
	if after.Available >= budget.Available {
		return domain.Prediction{}, domain.E(domain.KindSlotConsumptionRaced, op,
			fmt.Sprintf("balance %d→%d did not decrease", budget.Available, after.Available), nil)
	}

	// 3. Saga: a partir de aquí cualquier fallo devuelve el slot.
	p, err = e.persist(ctx, op, userID, day, req, variant, now)
	if err != nil {
		e.compensate(ctx, userID, day, req, err)
		return domain.Prediction{}, err
	}

	slog.Info("prediction created",
		"id", p.ID,
		"user", userID,
		"symbol", p.Symbol,
		"row", p.Row,
		"p0", p.P0.String(),
		"slots_left", after.Available,
	)

	e.checkCooldown(ctx, userID, day)
	return p, nil
}

// persist obtiene p0, calcula la banda e inserta la predicción.
func (e *Engine) persist(ctx context.Context, op, userID string, day domain.TradingDay, req CreateRequest, v domain.BandVariant, now time.Time) (domain.Prediction, error) {
	candles, err := e.oracle.FetchCandles(ctx, ports.CandleQuery{
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Limit:    2,
	})
	if err != nil {
		return domain.Prediction{}, wrap(op, "reference price", err)
	}
	ref, ok := domain.ReferenceCandle(candles, now)
	if !ok {
		return domain.Prediction{}, domain.E(domain.KindOracleUnavailable, op,
			fmt.Sprintf("no closed %s candle for %s", req.Interval, req.Symbol), nil)
	}

	band := domain.ComputeBand(ref.Close, v)
	p := domain.Prediction{
		ID:              uuid.New().String(),
		UserID:          userID,
		TradingDay:      day,
		Symbol:          req.Symbol,
		Interval:        req.Interval,
		TargetOpenTime:  req.TargetOpenTime,
		TargetCloseTime: req.TargetCloseTime,
		Row:             req.Row,
		P0:              ref.Close,
		BandLow:         band.Low,
		BandHigh:        band.High,
		Status:          domain.StatusPending,
		CreatedAt:       now.UTC(),
	}

	saved, err := e.store.Insert(ctx, p)
	if err != nil {
		return domain.Prediction{}, wrap(op, "insert", err)
	}
	return saved, nil
}

// compensate devuelve el slot consumido y registra el fallo. Nada de lo que
// ocurra aquí sustituye al error original.
func (e *Engine) compensate(ctx context.Context, userID string, day domain.TradingDay, req CreateRequest, cause error) {
	ctx = context.WithoutCancel(ctx)

	if _, err := e.ledger.Refund(ctx, userID, day, 1); err != nil {
		slog.Error("slot refund failed", "user", userID, "day", day, "err", err, "cause", cause)
	}
	e.unexpected(ctx, userID, day, req, cause)
}

// unexpected registra cause en el error log salvo que sea un rechazo esperado
// (validación, duplicado, sin slots, cooldown, carrera). Devuelve cause.
func (e *Engine) unexpected(ctx context.Context, userID string, day domain.TradingDay, req CreateRequest, cause error) error {
	switch domain.KindOf(cause) {
	case domain.KindValidationFailed, domain.KindDuplicatePrediction,
		domain.KindNoSlotsAvailable, domain.KindCooldownActive, domain.KindSlotConsumptionRaced:
		return cause
	}
	slog.Warn("prediction create failed", "user", userID, "symbol", req.Symbol, "err", cause)
	if e.errlog == nil {
		return cause
	}
	details := map[string]any{
		"user_id":           userID,
		"symbol":            req.Symbol,
		"interval":          req.Interval,
		"row":               req.Row,
		"target_open_time":  req.TargetOpenTime,
		"target_close_time": req.TargetCloseTime,
		"kind":              domain.KindOf(cause).String(),
		"error":             cause.Error(),
	}
	if err := e.errlog.Record(context.WithoutCancel(ctx), "prediction_create", &day, details); err != nil {
		slog.Warn("error log write failed", "err", err)
	}
	return cause
}

// exhausted distingue "espera al timer" de "sin slots".
func (e *Engine) exhausted(ctx context.Context, op, userID string, day domain.TradingDay) error {
	active, err := e.cooldowns.HasActive(ctx, userID, day)
	if err != nil {
		return wrap(op, "has active cooldown", err)
	}
	if active {
		return domain.E(domain.KindCooldownActive, op, "waiting for cooldown refill", nil)
	}
	return domain.E(domain.KindNoSlotsAvailable, op, "no slots left today", nil)
}

// checkCooldown es best-effort: la predicción ya está creada.
func (e *Engine) checkCooldown(ctx context.Context, userID string, day domain.TradingDay) {
	if e.trigger == nil {
		return
	}
	if _, err := e.trigger.Check(ctx, userID, day); err != nil {
		slog.Warn("cooldown trigger failed", "user", userID, "day", day, "err", err)
	}
}

// ListUserPredictions devuelve una página de predicciones del usuario, las más
// recientes primero.
func (e *Engine) ListUserPredictions(ctx context.Context, userID string, req ListRequest) (domain.PredictionPage, error) {
	const op = "engine.ListUserPredictions"

	if strings.TrimSpace(userID) == "" {
		return domain.PredictionPage{}, domain.Validationf(op, "user id is required")
	}
	if err := e.validate.Struct(req); err != nil {
		return domain.PredictionPage{}, validationErr(op, err)
	}
	if err := e.checkAllowLists(op, req.Symbol, req.Interval); err != nil {
		return domain.PredictionPage{}, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}

	items, err := e.store.ListByUser(ctx, ports.ListQuery{
		UserID:   userID,
		Symbol:   req.Symbol,
		Interval: req.Interval,
		Limit:    limit + 1,
		Offset:   req.Offset,
	})
	if err != nil {
		return domain.PredictionPage{}, wrap(op, "list", err)
	}

	page := domain.PredictionPage{Limit: limit, Offset: req.Offset}
	if len(items) > limit {
		page.HasNext = true
		items = items[:limit]
	}
	page.Items = items
	return page, nil
}

// --- validación ---

func (e *Engine) validateCreate(op, userID string, req CreateRequest, now time.Time) (domain.BandVariant, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.BandVariant{}, domain.Validationf(op, "user id is required")
	}
	if err := e.validate.Struct(req); err != nil {
		return domain.BandVariant{}, validationErr(op, err)
	}
	if err := e.checkAllowLists(op, req.Symbol, req.Interval); err != nil {
		return domain.BandVariant{}, err
	}

	variant, ok := e.cfg.Bands.Lookup(req.Row)
	if !ok {
		return domain.BandVariant{}, domain.Validationf(op, "unknown row %d", req.Row)
	}
	if req.TargetOpenTime <= now.UnixMilli() {
		return domain.BandVariant{}, domain.Validationf(op, "target window must start in the future")
	}

	want, ok := domain.IntervalDuration(req.Interval)
	if !ok {
		return domain.BandVariant{}, domain.Validationf(op, "unsupported interval %q", req.Interval)
	}
	if !domain.AlignedTo(req.TargetOpenTime, want) {
		return domain.BandVariant{}, domain.Validationf(op, "window must start on a %s candle boundary", req.Interval)
	}
	got := time.Duration(req.TargetCloseTime-req.TargetOpenTime) * time.Millisecond
	if diff := got - want; diff > e.cfg.WindowTolerance || diff < -e.cfg.WindowTolerance {
		return domain.BandVariant{}, domain.Validationf(op, "window of %s does not match interval %s", got, req.Interval)
	}
	return variant, nil
}

func (e *Engine) checkAllowLists(op, symbol, interval string) error {
	if len(e.cfg.Symbols) > 0 && !slices.Contains(e.cfg.Symbols, symbol) {
		return domain.Validationf(op, "symbol %q not allowed", symbol)
	}
	if !slices.Contains(e.cfg.Intervals, interval) {
		return domain.Validationf(op, "interval %q not allowed", interval)
	}
	return nil
}

func validationErr(op string, err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return domain.E(domain.KindValidationFailed, op, "", err)
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return domain.Validationf(op, "%s", strings.Join(msgs, "; "))
}

// wrap deja pasar los errores ya tipados y marca el resto como Unknown.
func wrap(op, step string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.E(domain.KindUnknown, op, step, err)
}

func outcomeCode(err error) string {
	if err == nil {
		return codeOK
	}
	return domain.KindOf(err).Code()
}

// --- locks por usuario ---

type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[string]*userLock)}
}

// lock bloquea userID y devuelve la función que lo libera. La entrada del
// mapa se borra cuando nadie la usa.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.m[userID]
	if !ok {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
