package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/shopspring/decimal"
)

// ListQuery filtra las predicciones de un usuario.
type ListQuery struct {
	UserID   string
	Symbol   string
	Interval string
	Limit    int
	Offset   int
}

// PredictionStore persiste las predicciones y su ciclo de vida.
//
// La unicidad de (user, target_open_time, row) la garantiza el store: Insert
// de un duplicado devuelve un error domain.KindDuplicatePrediction.
type PredictionStore interface {
	Exists(ctx context.Context, userID string, targetOpenTime int64, row int) (bool, error)
	Insert(ctx context.Context, p domain.Prediction) (domain.Prediction, error)

	// SelectDue devuelve predicciones PENDING con close_time <= now y
	// attempts < maxAttempts, las más antiguas primero, como mucho limit.
	SelectDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.Prediction, error)

	// UpdateOutcome resuelve una predicción PENDING. settlementPrice puede ser
	// inválido (Valid=false); errText vacío limpia last_error.
	UpdateOutcome(ctx context.Context, id string, status domain.PredictionStatus, settlementPrice decimal.NullDecimal, errText string, at time.Time) error

	// IncrementAttempt suma un intento fallido; si terminal, pasa a ERROR.
	IncrementAttempt(ctx context.Context, id string, errText string, terminal bool, at time.Time) error

	// ListByUser devuelve las predicciones más recientes primero.
	ListByUser(ctx context.Context, q ListQuery) ([]domain.Prediction, error)
}
