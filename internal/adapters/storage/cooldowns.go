package storage

import (
	"context"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// HasActive devuelve true si el usuario tiene un timer ACTIVE para el día.
func (s *SQLiteStorage) HasActive(ctx context.Context, userID string, day domain.TradingDay) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM cooldown_timers
			WHERE user_id = ? AND trading_day = ? AND status = 'ACTIVE'
		)`, userID, string(day),
	).Scan(&exists)
	if err != nil {
		return false, persistenceErr("storage.HasActive", err)
	}
	return exists == 1, nil
}

// Schedule crea un timer ACTIVE. El índice único parcial garantiza que no
// haya dos activos: si ya existía devuelve false sin error.
func (s *SQLiteStorage) Schedule(ctx context.Context, userID string, day domain.TradingDay, completesAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldown_timers (user_id, trading_day, started_at, completes_at, status)
		VALUES (?, ?, ?, ?, 'ACTIVE')`,
		userID, string(day), s.now().UTC().UnixMilli(), completesAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, persistenceErr("storage.Schedule", err)
	}
	return true, nil
}

// CompleteDue marca como COMPLETED los timers vencidos y los devuelve.
// El UPDATE ... RETURNING es atómico: cada timer sale una sola vez.
func (s *SQLiteStorage) CompleteDue(ctx context.Context, now time.Time) ([]domain.CooldownTimer, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE cooldown_timers SET status = 'COMPLETED'
		WHERE status = 'ACTIVE' AND completes_at <= ?
		RETURNING user_id, trading_day, started_at, completes_at`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, persistenceErr("storage.CompleteDue", err)
	}
	defer rows.Close()

	var timers []domain.CooldownTimer
	for rows.Next() {
		var (
			t                      domain.CooldownTimer
			day                    string
			startedAt, completesAt int64
		)
		if err := rows.Scan(&t.UserID, &day, &startedAt, &completesAt); err != nil {
			return nil, persistenceErr("storage.CompleteDue: scan row", err)
		}
		t.TradingDay = domain.TradingDay(day)
		t.StartedAt = msToTime(startedAt)
		t.CompletesAt = msToTime(completesAt)
		t.Status = domain.CooldownCompleted
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("storage.CompleteDue", err)
	}
	return timers, nil
}
