// Package memory implementa los ports en memoria. Se usa en tests y en el
// modo -memory del binario, donde nada se persiste entre ejecuciones.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/shopspring/decimal"
)

// ErrorEntry es un error registrado en memoria.
type ErrorEntry struct {
	Kind       string
	TradingDay *domain.TradingDay
	Details    map[string]any
}

type budgetKey struct {
	user string
	day  domain.TradingDay
}

// Store implementa PredictionStore, SlotLedger, CooldownRegistry y ErrorLog.
type Store struct {
	mu          sync.Mutex
	dailySlots  int
	predictions map[string]domain.Prediction
	keys        map[domain.PredictionKey]string
	budgets     map[budgetKey]domain.SlotBudget
	timers      []domain.CooldownTimer
	errors      []ErrorEntry
	now         func() time.Time
}

var (
	_ ports.PredictionStore  = (*Store)(nil)
	_ ports.SlotLedger       = (*Store)(nil)
	_ ports.CooldownRegistry = (*Store)(nil)
	_ ports.ErrorLog         = (*Store)(nil)
)

// NewStore crea un Store vacío con el cupo diario dado.
func NewStore(dailySlots int) *Store {
	return &Store{
		dailySlots:  dailySlots,
		predictions: make(map[string]domain.Prediction),
		keys:        make(map[domain.PredictionKey]string),
		budgets:     make(map[budgetKey]domain.SlotBudget),
		now:         time.Now,
	}
}

// --- PredictionStore ---

func (s *Store) Exists(_ context.Context, userID string, targetOpenTime int64, row int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[domain.PredictionKey{UserID: userID, TargetOpenTime: targetOpenTime, Row: row}]
	return ok, nil
}

func (s *Store) Insert(_ context.Context, p domain.Prediction) (domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.keys[p.Key()]; dup {
		return domain.Prediction{}, domain.E(domain.KindDuplicatePrediction, "memory.Insert",
			fmt.Sprintf("user %s window %d row %d", p.UserID, p.TargetOpenTime, p.Row), nil)
	}
	if p.Status == "" {
		p.Status = domain.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	s.predictions[p.ID] = p
	s.keys[p.Key()] = p.ID
	return p, nil
}

func (s *Store) SelectDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	var due []domain.Prediction
	for _, p := range s.predictions {
		if p.Status == domain.StatusPending && p.TargetCloseTime <= nowMs && p.SettlementAttempts < maxAttempts {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].TargetCloseTime != due[j].TargetCloseTime {
			return due[i].TargetCloseTime < due[j].TargetCloseTime
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) UpdateOutcome(_ context.Context, id string, status domain.PredictionStatus, settlementPrice decimal.NullDecimal, errText string, at time.Time) error {
	if !status.IsTerminal() {
		return domain.Validationf("memory.UpdateOutcome", "status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending("memory.UpdateOutcome", id)
	if err != nil {
		return err
	}
	p.Status = status
	p.SettlementPrice = settlementPrice
	p.SettlementAttempts++
	p.LastError = errText
	p.LastSettlementAt = &at
	s.predictions[id] = p
	return nil
}

func (s *Store) IncrementAttempt(_ context.Context, id string, errText string, terminal bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.pending("memory.IncrementAttempt", id)
	if err != nil {
		return err
	}
	p.SettlementAttempts++
	p.LastError = errText
	p.LastSettlementAt = &at
	if terminal {
		p.Status = domain.StatusError
	}
	s.predictions[id] = p
	return nil
}

func (s *Store) ListByUser(_ context.Context, q ports.ListQuery) ([]domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Prediction
	for _, p := range s.predictions {
		if p.UserID == q.UserID && p.Symbol == q.Symbol && p.Interval == q.Interval {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetOpenTime != out[j].TargetOpenTime {
			return out[i].TargetOpenTime > out[j].TargetOpenTime
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get devuelve una copia de la predicción.
func (s *Store) Get(id string) (domain.Prediction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[id]
	return p, ok
}

func (s *Store) pending(op, id string) (domain.Prediction, error) {
	p, ok := s.predictions[id]
	if !ok || p.Status != domain.StatusPending {
		return domain.Prediction{}, domain.E(domain.KindPersistenceFailure, op, fmt.Sprintf("prediction %s not pending", id), nil)
	}
	return p, nil
}

// --- SlotLedger ---

func (s *Store) GetOrCreate(_ context.Context, userID string, day domain.TradingDay) (domain.SlotBudget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.budget(userID, day), nil
}

func (s *Store) Consume(_ context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error) {
	if amount <= 0 {
		return domain.SlotBudget{}, domain.Validationf("memory.Consume", "amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.budget(userID, day)
	if b.Available < amount {
		return b, fmt.Errorf("memory.Consume: %s/%s: %w", userID, day, ports.ErrSlotsExhausted)
	}
	b.Available -= amount
	b.UpdatedAt = s.now().UTC()
	s.budgets[budgetKey{userID, day}] = b
	return b, nil
}

func (s *Store) Refund(_ context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error) {
	if amount <= 0 {
		return domain.SlotBudget{}, domain.Validationf("memory.Refund", "amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.budget(userID, day)
	b.Available += amount
	b.UpdatedAt = s.now().UTC()
	s.budgets[budgetKey{userID, day}] = b
	return b, nil
}

// SetAvailable fija el saldo de un día. Simula consumos externos al motor.
func (s *Store) SetAvailable(userID string, day domain.TradingDay, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.budget(userID, day)
	b.Available = available
	s.budgets[budgetKey{userID, day}] = b
}

func (s *Store) budget(userID string, day domain.TradingDay) domain.SlotBudget {
	k := budgetKey{userID, day}
	b, ok := s.budgets[k]
	if !ok {
		b = domain.SlotBudget{UserID: userID, TradingDay: day, Available: s.dailySlots, UpdatedAt: s.now().UTC()}
		s.budgets[k] = b
	}
	return b
}

// --- CooldownRegistry ---

func (s *Store) HasActive(_ context.Context, userID string, day domain.TradingDay) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIndex(userID, day) >= 0, nil
}

func (s *Store) Schedule(_ context.Context, userID string, day domain.TradingDay, completesAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeIndex(userID, day) >= 0 {
		return false, nil
	}
	s.timers = append(s.timers, domain.CooldownTimer{
		UserID:      userID,
		TradingDay:  day,
		StartedAt:   s.now().UTC(),
		CompletesAt: completesAt.UTC(),
		Status:      domain.CooldownActive,
	})
	return true, nil
}

func (s *Store) CompleteDue(_ context.Context, now time.Time) ([]domain.CooldownTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var done []domain.CooldownTimer
	for i := range s.timers {
		t := &s.timers[i]
		if t.Status == domain.CooldownActive && !t.CompletesAt.After(now) {
			t.Status = domain.CooldownCompleted
			done = append(done, *t)
		}
	}
	return done, nil
}

// Timers devuelve una copia de todos los timers.
func (s *Store) Timers() []domain.CooldownTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CooldownTimer(nil), s.timers...)
}

func (s *Store) activeIndex(userID string, day domain.TradingDay) int {
	for i, t := range s.timers {
		if t.UserID == userID && t.TradingDay == day && t.Status == domain.CooldownActive {
			return i
		}
	}
	return -1
}

// --- ErrorLog ---

func (s *Store) Record(_ context.Context, kind string, day *domain.TradingDay, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, ErrorEntry{Kind: kind, TradingDay: day, Details: details})
	return nil
}

// Errors devuelve los errores registrados, en orden de llegada.
func (s *Store) Errors() []ErrorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ErrorEntry(nil), s.errors...)
}
