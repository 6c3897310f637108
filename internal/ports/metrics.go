package ports

import (
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
)

// Metrics recibe los eventos observables del motor y del sweep.
type Metrics interface {
	PredictionSubmitted(code string)
	PredictionSettled(status domain.PredictionStatus)
	SweepCompleted(result domain.SettlementResult, took time.Duration)
}

// NopMetrics descarta todo.
type NopMetrics struct{}

func (NopMetrics) PredictionSubmitted(string) {}

func (NopMetrics) PredictionSettled(domain.PredictionStatus) {}

func (NopMetrics) SweepCompleted(domain.SettlementResult, time.Duration) {}
