package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// ErrorEntry es una fila de error_logs.
type ErrorEntry struct {
	ID         int64
	Kind       string
	TradingDay *domain.TradingDay
	Details    map[string]any
}

// Record guarda un error con su contexto serializado como JSON.
func (s *SQLiteStorage) Record(ctx context.Context, kind string, day *domain.TradingDay, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("storage.Record: marshal details: %w", err)
	}
	var dayVal any
	if day != nil {
		dayVal = string(*day)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO error_logs (kind, trading_day, details, created_at) VALUES (?, ?, ?, ?)`,
		kind, dayVal, string(payload), s.now().UTC().UnixMilli(),
	); err != nil {
		return persistenceErr("storage.Record", err)
	}
	return nil
}

// RecentErrors devuelve los últimos limit errores, el más reciente primero.
func (s *SQLiteStorage) RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, trading_day, details FROM error_logs ORDER BY created_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, persistenceErr("storage.RecentErrors", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var (
			e       ErrorEntry
			day     sql.NullString
			details string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &day, &details); err != nil {
			return nil, persistenceErr("storage.RecentErrors: scan row", err)
		}
		if day.Valid {
			d := domain.TradingDay(day.String)
			e.TradingDay = &d
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("storage.RecentErrors: decode details: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
