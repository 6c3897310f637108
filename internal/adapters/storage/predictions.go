package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/shopspring/decimal"
)

const predictionColumns = `
	id, user_id, trading_day, symbol, candle_interval,
	target_open_time, target_close_time, row_idx,
	p0, band_price_low, band_price_high,
	status, settlement_price, settlement_attempts, last_error,
	last_settlement_at, created_at`

// Exists devuelve true si ya hay una predicción para (user, window start, row).
func (s *SQLiteStorage) Exists(ctx context.Context, userID string, targetOpenTime int64, row int) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM predictions
			WHERE user_id = ? AND target_open_time = ? AND row_idx = ?
		)`, userID, targetOpenTime, row,
	).Scan(&exists)
	if err != nil {
		return false, persistenceErr("storage.Exists", err)
	}
	return exists == 1, nil
}

// Insert persiste una predicción nueva. Un duplicado de (user, window start,
// row) se rechaza con domain.KindDuplicatePrediction.
func (s *SQLiteStorage) Insert(ctx context.Context, p domain.Prediction) (domain.Prediction, error) {
	if p.Status == "" {
		p.Status = domain.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (`+predictionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.UserID,
		string(p.TradingDay),
		p.Symbol,
		p.Interval,
		p.TargetOpenTime,
		p.TargetCloseTime,
		p.Row,
		p.P0.StringFixed(domain.PriceScale),
		nullDecimalText(p.BandLow),
		nullDecimalText(p.BandHigh),
		string(p.Status),
		nullDecimalText(p.SettlementPrice),
		p.SettlementAttempts,
		p.LastError,
		nullTimeMs(p.LastSettlementAt),
		p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Prediction{}, domain.E(domain.KindDuplicatePrediction, "storage.Insert",
				fmt.Sprintf("user %s window %d row %d", p.UserID, p.TargetOpenTime, p.Row), err)
		}
		return domain.Prediction{}, persistenceErr("storage.Insert", err)
	}
	return p, nil
}

// SelectDue devuelve predicciones PENDING vencidas, las más antiguas primero.
func (s *SQLiteStorage) SelectDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE status = 'PENDING'
		  AND target_close_time <= ?
		  AND settlement_attempts < ?
		ORDER BY target_close_time ASC, created_at ASC
		LIMIT ?`,
		now.UnixMilli(), maxAttempts, limit,
	)
	if err != nil {
		return nil, persistenceErr("storage.SelectDue", err)
	}
	defer rows.Close()
	return scanPredictions(rows, "storage.SelectDue")
}

// UpdateOutcome resuelve una predicción PENDING. El guard sobre status impide
// sacar una predicción de un estado terminal.
func (s *SQLiteStorage) UpdateOutcome(ctx context.Context, id string, status domain.PredictionStatus, settlementPrice decimal.NullDecimal, errText string, at time.Time) error {
	if !status.IsTerminal() {
		return domain.Validationf("storage.UpdateOutcome", "status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE predictions SET
			status              = ?,
			settlement_price    = ?,
			settlement_attempts = settlement_attempts + 1,
			last_error          = ?,
			last_settlement_at  = ?
		WHERE id = ? AND status = 'PENDING'`,
		string(status), nullDecimalText(settlementPrice), errText, at.UnixMilli(), id,
	)
	if err != nil {
		return persistenceErr("storage.UpdateOutcome", err)
	}
	return expectOneRow(res, "storage.UpdateOutcome", id)
}

// IncrementAttempt registra un intento fallido. Si terminal, la predicción
// pasa a ERROR con el último error como motivo.
func (s *SQLiteStorage) IncrementAttempt(ctx context.Context, id string, errText string, terminal bool, at time.Time) error {
	status := domain.StatusPending
	if terminal {
		status = domain.StatusError
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE predictions SET
			settlement_attempts = settlement_attempts + 1,
			last_error          = ?,
			last_settlement_at  = ?,
			status              = ?
		WHERE id = ? AND status = 'PENDING'`,
		errText, at.UnixMilli(), string(status), id,
	)
	if err != nil {
		return persistenceErr("storage.IncrementAttempt", err)
	}
	return expectOneRow(res, "storage.IncrementAttempt", id)
}

// ListByUser devuelve las predicciones del usuario, las más recientes primero.
func (s *SQLiteStorage) ListByUser(ctx context.Context, q ports.ListQuery) ([]domain.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+predictionColumns+`
		FROM predictions
		WHERE user_id = ? AND symbol = ? AND candle_interval = ?
		ORDER BY target_open_time DESC, created_at DESC
		LIMIT ? OFFSET ?`,
		q.UserID, q.Symbol, q.Interval, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, persistenceErr("storage.ListByUser", err)
	}
	defer rows.Close()
	return scanPredictions(rows, "storage.ListByUser")
}

// Get devuelve una predicción por id.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (domain.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = ?`, id)
	if err != nil {
		return domain.Prediction{}, persistenceErr("storage.Get", err)
	}
	defer rows.Close()

	preds, err := scanPredictions(rows, "storage.Get")
	if err != nil {
		return domain.Prediction{}, err
	}
	if len(preds) == 0 {
		return domain.Prediction{}, persistenceErr("storage.Get", fmt.Errorf("prediction %s: %w", id, sql.ErrNoRows))
	}
	return preds[0], nil
}

// --- helpers internos ---

func scanPredictions(rows *sql.Rows, op string) ([]domain.Prediction, error) {
	var preds []domain.Prediction
	for rows.Next() {
		var (
			p                          domain.Prediction
			day, status                string
			p0                         string
			low, high, settlementPrice sql.NullString
			lastSettlement             sql.NullInt64
			createdAt                  int64
		)
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&day,
			&p.Symbol,
			&p.Interval,
			&p.TargetOpenTime,
			&p.TargetCloseTime,
			&p.Row,
			&p0,
			&low,
			&high,
			&status,
			&settlementPrice,
			&p.SettlementAttempts,
			&p.LastError,
			&lastSettlement,
			&createdAt,
		); err != nil {
			return nil, persistenceErr(op+": scan row", err)
		}

		var err error
		if p.P0, err = decimal.NewFromString(p0); err != nil {
			return nil, persistenceErr(op+": parse p0", err)
		}
		if p.BandLow, err = parseNullDecimal(low); err != nil {
			return nil, persistenceErr(op+": parse band_price_low", err)
		}
		if p.BandHigh, err = parseNullDecimal(high); err != nil {
			return nil, persistenceErr(op+": parse band_price_high", err)
		}
		if p.SettlementPrice, err = parseNullDecimal(settlementPrice); err != nil {
			return nil, persistenceErr(op+": parse settlement_price", err)
		}
		p.TradingDay = domain.TradingDay(day)
		p.Status = domain.PredictionStatus(status)
		p.LastSettlementAt = nullMsToTime(lastSettlement)
		p.CreatedAt = msToTime(createdAt)
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr(op, err)
	}
	return preds, nil
}

func nullDecimalText(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(domain.PriceScale)
}

func parseNullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullTimeMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// expectOneRow falla si el update no tocó la fila: no existe o ya no está PENDING.
func expectOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceErr(op, err)
	}
	if n == 0 {
		return persistenceErr(op, fmt.Errorf("prediction %s not pending", id))
	}
	return nil
}

func persistenceErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.KindPersistenceFailure, op, "cancelled", err)
	}
	return domain.E(domain.KindPersistenceFailure, op, "", err)
}
