package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
)

// GetOrCreate devuelve el presupuesto del día, creándolo con el cupo diario
// si no existía.
func (s *SQLiteStorage) GetOrCreate(ctx context.Context, userID string, day domain.TradingDay) (domain.SlotBudget, error) {
	if err := s.ensureBudget(ctx, userID, day); err != nil {
		return domain.SlotBudget{}, persistenceErr("storage.GetOrCreate", err)
	}

	b := domain.SlotBudget{UserID: userID, TradingDay: day}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT available, updated_at FROM slot_budgets WHERE user_id = ? AND trading_day = ?`,
		userID, string(day),
	).Scan(&b.Available, &updatedAt)
	if err != nil {
		return domain.SlotBudget{}, persistenceErr("storage.GetOrCreate", err)
	}
	b.UpdatedAt = msToTime(updatedAt)
	return b, nil
}

// Consume descuenta amount con un único UPDATE condicional. Si el saldo no
// alcanza no toca nada y devuelve ports.ErrSlotsExhausted junto al saldo actual.
func (s *SQLiteStorage) Consume(ctx context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error) {
	if amount <= 0 {
		return domain.SlotBudget{}, domain.Validationf("storage.Consume", "amount must be positive, got %d", amount)
	}

	now := s.now().UTC()
	b := domain.SlotBudget{UserID: userID, TradingDay: day, UpdatedAt: now}
	err := s.db.QueryRowContext(ctx, `
		UPDATE slot_budgets
		SET available = available - ?, updated_at = ?
		WHERE user_id = ? AND trading_day = ? AND available >= ?
		RETURNING available`,
		amount, now.UnixMilli(), userID, string(day), amount,
	).Scan(&b.Available)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetOrCreate(ctx, userID, day)
		if getErr != nil {
			return domain.SlotBudget{}, getErr
		}
		return current, fmt.Errorf("storage.Consume: %s/%s: %w", userID, day, ports.ErrSlotsExhausted)
	}
	if err != nil {
		return domain.SlotBudget{}, persistenceErr("storage.Consume", err)
	}
	return b, nil
}

// Refund devuelve amount slots al presupuesto del día.
func (s *SQLiteStorage) Refund(ctx context.Context, userID string, day domain.TradingDay, amount int) (domain.SlotBudget, error) {
	if amount <= 0 {
		return domain.SlotBudget{}, domain.Validationf("storage.Refund", "amount must be positive, got %d", amount)
	}
	if err := s.ensureBudget(ctx, userID, day); err != nil {
		return domain.SlotBudget{}, persistenceErr("storage.Refund", err)
	}

	now := s.now().UTC()
	b := domain.SlotBudget{UserID: userID, TradingDay: day, UpdatedAt: now}
	err := s.db.QueryRowContext(ctx, `
		UPDATE slot_budgets
		SET available = available + ?, updated_at = ?
		WHERE user_id = ? AND trading_day = ?
		RETURNING available`,
		amount, now.UnixMilli(), userID, string(day),
	).Scan(&b.Available)
	if err != nil {
		return domain.SlotBudget{}, persistenceErr("storage.Refund", err)
	}
	return b, nil
}

func (s *SQLiteStorage) ensureBudget(ctx context.Context, userID string, day domain.TradingDay) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO slot_budgets (user_id, trading_day, available, updated_at)
		VALUES (?, ?, ?, ?)`,
		userID, string(day), s.dailySlots, s.now().UTC().UnixMilli(),
	)
	return err
}
