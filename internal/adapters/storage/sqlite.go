package storage

// sqlite.go: persistencia del ciclo de vida de predicciones.
//
// Tablas:
//   predictions      una fila por predicción, UNIQUE(user, window start, row)
//   slot_budgets     saldo diario de slots por usuario
//   cooldown_timers  timers de cooldown, como mucho uno ACTIVE por (user, día)
//   error_logs       errores inesperados con contexto (JSON)
//
// Los tiempos se guardan como epoch ms (INTEGER) y los precios como TEXT
// decimal para no perder los 8 decimales.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT    NOT NULL,
    trading_day         TEXT    NOT NULL,
    symbol              TEXT    NOT NULL,
    candle_interval     TEXT    NOT NULL,
    target_open_time    INTEGER NOT NULL,
    target_close_time   INTEGER NOT NULL,
    row_idx             INTEGER NOT NULL,
    p0                  TEXT    NOT NULL,
    band_price_low      TEXT,
    band_price_high     TEXT,
    status              TEXT    NOT NULL DEFAULT 'PENDING',
    settlement_price    TEXT,
    settlement_attempts INTEGER NOT NULL DEFAULT 0,
    last_error          TEXT    NOT NULL DEFAULT '',
    last_settlement_at  INTEGER,
    created_at          INTEGER NOT NULL,
    UNIQUE (user_id, target_open_time, row_idx)
);

CREATE INDEX IF NOT EXISTS idx_pred_due  ON predictions(status, target_close_time);
CREATE INDEX IF NOT EXISTS idx_pred_user ON predictions(user_id, symbol, candle_interval, target_open_time DESC);

CREATE TABLE IF NOT EXISTS slot_budgets (
    user_id     TEXT    NOT NULL,
    trading_day TEXT    NOT NULL,
    available   INTEGER NOT NULL CHECK (available >= 0),
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (user_id, trading_day)
);

CREATE TABLE IF NOT EXISTS cooldown_timers (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id      TEXT    NOT NULL,
    trading_day  TEXT    NOT NULL,
    started_at   INTEGER NOT NULL,
    completes_at INTEGER NOT NULL,
    status       TEXT    NOT NULL DEFAULT 'ACTIVE'
);

-- Un solo timer activo por (user, día)
CREATE UNIQUE INDEX IF NOT EXISTS idx_cooldown_active
    ON cooldown_timers(user_id, trading_day) WHERE status = 'ACTIVE';
CREATE INDEX IF NOT EXISTS idx_cooldown_due ON cooldown_timers(status, completes_at);

CREATE TABLE IF NOT EXISTS error_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    kind        TEXT    NOT NULL,
    trading_day TEXT,
    details     TEXT    NOT NULL,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_errors_at ON error_logs(created_at DESC);
`

const (
	retentionErrors    = 30 * 24 * time.Hour // error_logs: 30 días
	retentionCooldowns = 7 * 24 * time.Hour  // timers completados: 7 días
	defaultDailySlots  = 10
)

// SQLiteStorage implementa PredictionStore, SlotLedger, CooldownRegistry y
// ErrorLog usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db         *sql.DB
	dailySlots int
	now        func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada, aplica el
// schema y limpia datos antiguos. dailySlots es el cupo con el que se crea
// cada presupuesto diario.
func NewSQLiteStorage(path string, dailySlots int) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	if dailySlots <= 0 {
		dailySlots = defaultDailySlots
	}
	s := &SQLiteStorage{
		db:         db,
		dailySlots: dailySlots,
		now:        time.Now,
	}
	s.pruneOld(context.Background())
	return s, nil
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina logs de error y timers completados antiguos.
// Las predicciones nunca se borran desde aquí.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	now := s.now().UTC()
	s.db.ExecContext(ctx, `DELETE FROM error_logs WHERE created_at < ?`,
		now.Add(-retentionErrors).UnixMilli())
	s.db.ExecContext(ctx, `DELETE FROM cooldown_timers WHERE status = 'COMPLETED' AND completes_at < ?`,
		now.Add(-retentionCooldowns).UnixMilli())
}

// --- helpers internos ---

// isUniqueViolation detecta la violación de un UNIQUE constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMsToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}
