package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/pricebands/internal/adapters/memory"
	"github.com/alejandrodnm/pricebands/internal/application/cooldown"
	"github.com/alejandrodnm/pricebands/internal/application/engine"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// 10:30 UTC: la vela de las 10:00 sigue abierta.
	now = time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	day = domain.TradingDay("2026-03-01")
)

type fixture struct {
	store  *memory.Store
	oracle *memory.Oracle
	eng    *engine.Engine
	codes  *codeRecorder
}

type codeRecorder struct {
	ports.NopMetrics
	mu    sync.Mutex
	codes []string
}

func (r *codeRecorder) PredictionSubmitted(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

func (r *codeRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.codes) == 0 {
		return ""
	}
	return r.codes[len(r.codes)-1]
}

func hourCandle(open time.Time, closePrice string) domain.Candle {
	return domain.Candle{
		OpenTime:  open.UnixMilli(),
		CloseTime: open.Add(time.Hour).UnixMilli() - 1,
		Close:     decimal.RequireFromString(closePrice),
	}
}

type option func(*engine.Deps, *engine.Config)

func newFixture(t *testing.T, dailySlots int, opts ...option) *fixture {
	t.Helper()
	store := memory.NewStore(dailySlots)
	oracle := memory.NewOracle()
	oracle.SetCandles("BTCUSDT", "1h",
		hourCandle(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), "50000"),
		hourCandle(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "51234.5"),
	)
	codes := &codeRecorder{}
	clock := func() time.Time { return now }

	deps := engine.Deps{
		Store:     store,
		Ledger:    store,
		Cooldowns: store,
		Oracle:    oracle,
		Trigger:   cooldown.NewTrigger(store, store, cooldown.Config{Threshold: 1, Duration: time.Hour, Clock: clock}),
		Errors:    store,
		Metrics:   codes,
	}
	cfg := engine.Config{
		Symbols:   []string{"BTCUSDT"},
		Intervals: []string{"1h"},
		Location:  time.UTC,
		Clock:     clock,
	}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	return &fixture{store: store, oracle: oracle, eng: engine.New(deps, cfg), codes: codes}
}

func request(row int) engine.CreateRequest {
	open := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return engine.CreateRequest{
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Row:             row,
		TargetOpenTime:  open.UnixMilli(),
		TargetCloseTime: open.Add(time.Hour).UnixMilli(),
	}
}

func (f *fixture) available(t *testing.T, user string) int {
	t.Helper()
	b, err := f.store.GetOrCreate(context.Background(), user, day)
	require.NoError(t, err)
	return b.Available
}

// --- CreatePrediction ---

func TestCreatePrediction_Success(t *testing.T) {
	f := newFixture(t, 3)

	p, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, 0, p.SettlementAttempts)
	assert.Equal(t, day, p.TradingDay)
	// La vela de las 10:00 sigue abierta → p0 es el close de las 09:00
	assert.Equal(t, "50000.00000000", p.P0.StringFixed(domain.PriceScale))
	assert.Equal(t, "49500.00000000", p.BandLow.Decimal.StringFixed(domain.PriceScale))
	assert.Equal(t, "50500.00000000", p.BandHigh.Decimal.StringFixed(domain.PriceScale))

	assert.Equal(t, 2, f.available(t, "alice"))
	assert.Equal(t, "OK", f.codes.last())

	stored, ok := f.store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, p.Key(), stored.Key())
}

func TestCreatePrediction_UsesLastCandleWhenClosed(t *testing.T) {
	f := newFixture(t, 3)
	f.oracle.SetCandles("BTCUSDT", "1h",
		hourCandle(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), "100"),
		hourCandle(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), "200"),
	)

	p, err := f.eng.CreatePrediction(context.Background(), "alice", request(0))
	require.NoError(t, err)
	assert.True(t, p.P0.Equal(decimal.NewFromInt(200)))
	assert.True(t, p.BandLow.Decimal.Equal(decimal.NewFromInt(202)))
	assert.False(t, p.BandHigh.Valid)
}

func TestCreatePrediction_AliasRowUsesTargetBounds(t *testing.T) {
	f := newFixture(t, 3)

	p, err := f.eng.CreatePrediction(context.Background(), "alice", request(3))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Row)
	assert.Equal(t, "49500.00000000", p.BandLow.Decimal.StringFixed(domain.PriceScale))
	assert.Equal(t, "50500.00000000", p.BandHigh.Decimal.StringFixed(domain.PriceScale))
}

func TestCreatePrediction_DuplicateLeavesBudget(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.eng.CreatePrediction(ctx, "alice", request(1))
	require.NoError(t, err)
	before := f.available(t, "alice")

	_, err = f.eng.CreatePrediction(ctx, "alice", request(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDuplicate))
	assert.Equal(t, "DUPLICATE_PREDICTION", f.codes.last())
	assert.Equal(t, before, f.available(t, "alice"))

	// Otra fila en la misma ventana sí se admite
	_, err = f.eng.CreatePrediction(ctx, "alice", request(2))
	assert.NoError(t, err)
}

// existsBlind simula la carrera: el check de aplicación no ve el duplicado.
type existsBlind struct{ *memory.Store }

func (existsBlind) Exists(context.Context, string, int64, int) (bool, error) { return false, nil }

func TestCreatePrediction_StoreDuplicateRefunds(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Store = existsBlind{d.Store.(*memory.Store)}
	})
	ctx := context.Background()

	_, err := f.eng.CreatePrediction(ctx, "alice", request(1))
	require.NoError(t, err)
	require.Equal(t, 2, f.available(t, "alice"))

	_, err = f.eng.CreatePrediction(ctx, "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindDuplicatePrediction, domain.KindOf(err))
	assert.Equal(t, 2, f.available(t, "alice"), "el slot se devuelve")
	assert.Empty(t, f.store.Errors(), "un duplicado no es un error inesperado")
}

func TestCreatePrediction_OracleFailureRefundsAndLogs(t *testing.T) {
	f := newFixture(t, 3)
	f.oracle.FailWith(domain.E(domain.KindOracleTimeout, "test", "slow", context.DeadlineExceeded))

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOracleTimeout))
	assert.Equal(t, "ORACLE_TIMEOUT", f.codes.last())
	assert.Equal(t, 3, f.available(t, "alice"))

	entries := f.store.Errors()
	require.Len(t, entries, 1)
	assert.Equal(t, "prediction_create", entries[0].Kind)
	assert.Equal(t, "alice", entries[0].Details["user_id"])
	assert.Equal(t, "BTCUSDT", entries[0].Details["symbol"])
	require.NotNil(t, entries[0].TradingDay)
	assert.Equal(t, day, *entries[0].TradingDay)
}

func TestCreatePrediction_NoClosedCandleRefunds(t *testing.T) {
	f := newFixture(t, 3)
	f.oracle.SetCandles("BTCUSDT", "1h", hourCandle(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "1"))

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindOracleUnavailable, domain.KindOf(err))
	assert.Equal(t, 3, f.available(t, "alice"))
}

// existsDown falla al consultar duplicados.
type existsDown struct{ *memory.Store }

func (existsDown) Exists(context.Context, string, int64, int) (bool, error) {
	return false, domain.E(domain.KindPersistenceFailure, "test", "db locked", errors.New("database is locked"))
}

func TestCreatePrediction_StoreReadFailureIsLogged(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Store = existsDown{d.Store.(*memory.Store)}
	})

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistenceFailure, domain.KindOf(err))
	assert.Equal(t, 3, f.available(t, "alice"), "no se consumió nada")
	assert.Zero(t, f.oracle.Calls())

	entries := f.store.Errors()
	require.Len(t, entries, 1)
	assert.Equal(t, "prediction_create", entries[0].Kind)
	assert.Equal(t, "alice", entries[0].Details["user_id"])
	assert.Equal(t, domain.KindPersistenceFailure.String(), entries[0].Details["kind"])
}

// insertDown acepta lecturas pero falla al insertar.
type insertDown struct{ *memory.Store }

func (insertDown) Insert(context.Context, domain.Prediction) (domain.Prediction, error) {
	return domain.Prediction{}, domain.E(domain.KindPersistenceFailure, "test", "disk full", errors.New("disk full"))
}

func TestCreatePrediction_InsertFailureRefundsAndLogs(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Store = insertDown{d.Store.(*memory.Store)}
	})

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindPersistenceFailure, domain.KindOf(err))
	assert.Equal(t, "PERSISTENCE_FAILURE", f.codes.last())
	assert.Equal(t, 3, f.available(t, "alice"), "el slot se devuelve")
	assert.Len(t, f.store.Errors(), 1)
}

func TestCreatePrediction_ExpectedRejectionsAreNotLogged(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.eng.CreatePrediction(ctx, "alice", request(0))
	require.NoError(t, err)
	_, err = f.eng.CreatePrediction(ctx, "alice", request(1))
	require.Error(t, err)

	assert.Empty(t, f.store.Errors())
}

// failingRefund devuelve error en Refund para comprobar que no tapa la causa.
type failingRefund struct{ *memory.Store }

func (failingRefund) Refund(context.Context, string, domain.TradingDay, int) (domain.SlotBudget, error) {
	return domain.SlotBudget{}, errors.New("ledger down")
}

func TestCreatePrediction_RefundFailureKeepsOriginalError(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Ledger = failingRefund{d.Ledger.(*memory.Store)}
	})
	f.oracle.FailWith(domain.E(domain.KindOracleRateLimited, "test", "", nil))

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindOracleRateLimited, domain.KindOf(err))
}

func TestCreatePrediction_NoSlotsVsCooldown(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.store.SetAvailable("alice", day, 0)

	_, err := f.eng.CreatePrediction(ctx, "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindNoSlotsAvailable, domain.KindOf(err))
	assert.Equal(t, "NO_SLOTS", f.codes.last())

	_, err = f.store.Schedule(ctx, "alice", day, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.eng.CreatePrediction(ctx, "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindCooldownActive, domain.KindOf(err))
	assert.Equal(t, "COOLDOWN_ACTIVE", f.codes.last())
	assert.Zero(t, f.oracle.Calls(), "sin slots no se consulta el oráculo")
}

// drainedLedger simula otro consumidor que vacía el saldo entre el check y el consume.
type drainedLedger struct{ *memory.Store }

func (l drainedLedger) Consume(ctx context.Context, user string, day domain.TradingDay, _ int) (domain.SlotBudget, error) {
	l.Store.SetAvailable(user, day, 0)
	return l.Store.Consume(ctx, user, day, 1)
}

func TestCreatePrediction_ConsumptionRaced(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Ledger = drainedLedger{d.Ledger.(*memory.Store)}
	})

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindSlotConsumptionRaced, domain.KindOf(err))
	assert.Equal(t, "SLOT_CONSUMPTION_FAILED", f.codes.last())
	assert.Equal(t, 0, f.available(t, "alice"), "no hay refund")
	assert.Zero(t, f.oracle.Calls())
}

// staleLedger devuelve un saldo que no bajó.
type staleLedger struct{ *memory.Store }

func (l staleLedger) Consume(ctx context.Context, user string, day domain.TradingDay, _ int) (domain.SlotBudget, error) {
	return l.Store.GetOrCreate(ctx, user, day)
}

func TestCreatePrediction_BalanceDidNotDecrease(t *testing.T) {
	f := newFixture(t, 3, func(d *engine.Deps, _ *engine.Config) {
		d.Ledger = staleLedger{d.Ledger.(*memory.Store)}
	})

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	assert.Equal(t, domain.KindSlotConsumptionRaced, domain.KindOf(err))
}

func TestCreatePrediction_LastSlotTriggersCooldown(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
	require.NoError(t, err)

	timers := f.store.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, "alice", timers[0].UserID)
	assert.Equal(t, now.Add(time.Hour), timers[0].CompletesAt)

	// El siguiente intento ve el cooldown
	_, err = f.eng.CreatePrediction(context.Background(), "alice", request(2))
	assert.Equal(t, domain.KindCooldownActive, domain.KindOf(err))
}

func TestCreatePrediction_Validation(t *testing.T) {
	past := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		user string
		mut  func(*engine.CreateRequest)
	}{
		{"empty user", "", func(*engine.CreateRequest) {}},
		{"symbol not allowed", "alice", func(r *engine.CreateRequest) { r.Symbol = "ETHUSDT" }},
		{"lowercase symbol", "alice", func(r *engine.CreateRequest) { r.Symbol = "btcusdt" }},
		{"interval not allowed", "alice", func(r *engine.CreateRequest) { r.Interval = "4h" }},
		{"unknown row", "alice", func(r *engine.CreateRequest) { r.Row = 9 }},
		{"negative row", "alice", func(r *engine.CreateRequest) { r.Row = -1 }},
		{"close before open", "alice", func(r *engine.CreateRequest) { r.TargetCloseTime = r.TargetOpenTime - 1 }},
		{"window in the past", "alice", func(r *engine.CreateRequest) {
			r.TargetOpenTime = past.UnixMilli()
			r.TargetCloseTime = past.Add(time.Hour).UnixMilli()
		}},
		{"window too long", "alice", func(r *engine.CreateRequest) { r.TargetCloseTime += (61 * time.Second).Milliseconds() }},
		{"window too short", "alice", func(r *engine.CreateRequest) { r.TargetCloseTime -= (2 * time.Minute).Milliseconds() }},
		{"window not on candle boundary", "alice", func(r *engine.CreateRequest) {
			r.TargetOpenTime += (30 * time.Second).Milliseconds()
			r.TargetCloseTime += (30 * time.Second).Milliseconds()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3)
			req := request(1)
			tt.mut(&req)

			_, err := f.eng.CreatePrediction(context.Background(), tt.user, req)
			require.Error(t, err)
			assert.Equal(t, domain.KindValidationFailed, domain.KindOf(err), "got %v", err)
			assert.Equal(t, "VALIDATION_FAILED", f.codes.last())
			assert.Zero(t, f.oracle.Calls())
			if tt.user != "" {
				assert.Equal(t, 3, f.available(t, tt.user), "sin efectos")
			}
		})
	}
}

func TestCreatePrediction_WindowWithinTolerance(t *testing.T) {
	f := newFixture(t, 3)
	req := request(1)
	req.TargetCloseTime += (59 * time.Second).Milliseconds()

	_, err := f.eng.CreatePrediction(context.Background(), "alice", req)
	assert.NoError(t, err)
}

func TestCreatePrediction_ConcurrentLastSlot(t *testing.T) {
	f := newFixture(t, 1)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		kinds   = map[domain.Kind]int{}
	)
	for row := 0; row < 3; row++ {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(row int) {
				defer wg.Done()
				_, err := f.eng.CreatePrediction(context.Background(), "alice", request(row))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					success++
					return
				}
				kinds[domain.KindOf(err)]++
			}(row)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 0, f.available(t, "alice"))
	for k := range kinds {
		assert.Contains(t, []domain.Kind{
			domain.KindNoSlotsAvailable,
			domain.KindCooldownActive,
			domain.KindSlotConsumptionRaced,
			domain.KindDuplicatePrediction,
		}, k)
	}
}

func TestCreatePrediction_SerializedAdmissionSameKey(t *testing.T) {
	f := newFixture(t, 10, func(_ *engine.Deps, c *engine.Config) { c.SerializeAdmission = true })

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		dups    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.CreatePrediction(context.Background(), "alice", request(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, domain.ErrDuplicate):
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 7, dups)
	assert.Equal(t, 9, f.available(t, "alice"))
}

// --- ListUserPredictions ---

func TestListUserPredictions_Paging(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	for row := 0; row < 3; row++ {
		_, err := f.eng.CreatePrediction(ctx, "alice", request(row))
		require.NoError(t, err)
	}
	_, err := f.eng.CreatePrediction(ctx, "bob", request(0))
	require.NoError(t, err)

	page, err := f.eng.ListUserPredictions(ctx, "alice", engine.ListRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasNext)

	page, err = f.eng.ListUserPredictions(ctx, "alice", engine.ListRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasNext)

	page, err = f.eng.ListUserPredictions(ctx, "alice", engine.ListRequest{Symbol: "BTCUSDT", Interval: "1h", Limit: 3})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)
	assert.False(t, page.HasNext, "exactamente limit filas no implica más")
	for _, p := range page.Items {
		assert.Equal(t, "alice", p.UserID)
	}
}

func TestListUserPredictions_DefaultLimit(t *testing.T) {
	f := newFixture(t, 10)
	page, err := f.eng.ListUserPredictions(context.Background(), "alice", engine.ListRequest{Symbol: "BTCUSDT", Interval: "1h"})
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultListLimit, page.Limit)
	assert.Empty(t, page.Items)
}

func TestListUserPredictions_Validation(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	bad := []engine.ListRequest{
		{Symbol: "DOGEUSDT", Interval: "1h"},
		{Symbol: "BTCUSDT", Interval: "5m"},
		{Symbol: "BTCUSDT", Interval: "1h", Limit: 101},
		{Symbol: "BTCUSDT", Interval: "1h", Limit: -1},
		{Symbol: "BTCUSDT", Interval: "1h", Offset: -5},
	}
	for _, req := range bad {
		_, err := f.eng.ListUserPredictions(ctx, "alice", req)
		assert.Equal(t, domain.KindValidationFailed, domain.KindOf(err), "%+v", req)
	}
}
