package metrics_test

import (
	"testing"
	"time"

	"github.com/alejandrodnm/pricebands/internal/adapters/metrics"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue suma el valor de name filtrando por label=value ("" = todos).
func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabel(m.GetLabel(), label, value) {
				continue
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func hasLabel[L interface {
	GetName() string
	GetValue() string
}](labels []L, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestRecorder_CountsSubmissions(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.New(reg)

	r.PredictionSubmitted("OK")
	r.PredictionSubmitted("OK")
	r.PredictionSubmitted("NO_SLOTS")

	assert.Equal(t, 2.0, counterValue(t, reg, "pricebands_predictions_submitted_total", "code", "OK"))
	assert.Equal(t, 1.0, counterValue(t, reg, "pricebands_predictions_submitted_total", "code", "NO_SLOTS"))
}

func TestRecorder_SweepCompleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.New(reg)

	r.PredictionSettled(domain.StatusWon)
	r.SweepCompleted(domain.SettlementResult{Processed: 4, Won: 1, Lost: 2, Failed: 1}, 120*time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, reg, "pricebands_predictions_settled_total", "status", "WON"))
	assert.Equal(t, 1.0, counterValue(t, reg, "pricebands_sweeps_total", "", ""))
	assert.Equal(t, 2.0, counterValue(t, reg, "pricebands_sweep_items_total", "result", "lost"))
	assert.Equal(t, 4.0, counterValue(t, reg, "pricebands_sweep_items_total", "", ""))
}

func TestRecorder_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.New(prometheus.NewRegistry())
		metrics.New(prometheus.NewRegistry())
	})
}
