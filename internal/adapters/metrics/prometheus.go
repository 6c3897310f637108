package metrics

import (
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implementa ports.Metrics con Prometheus.
type Recorder struct {
	submitted     *prometheus.CounterVec
	settled       *prometheus.CounterVec
	sweeps        prometheus.Counter
	sweepItems    *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	lastSweep     prometheus.Gauge
}

var _ ports.Metrics = (*Recorder)(nil)

// New registra las métricas en reg. Con nil usa el registry por defecto.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		submitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricebands_predictions_submitted_total",
				Help: "Prediction submissions by outcome code (OK or error code)",
			},
			[]string{"code"},
		),
		settled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricebands_predictions_settled_total",
				Help: "Predictions that reached a terminal status",
			},
			[]string{"status"},
		),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "pricebands_sweeps_total",
			Help: "Settlement sweep invocations",
		}),
		sweepItems: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricebands_sweep_items_total",
				Help: "Items processed by settlement sweeps by result",
			},
			[]string{"result"},
		),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricebands_sweep_duration_seconds",
			Help:    "Duration of settlement sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		lastSweep: f.NewGauge(prometheus.GaugeOpts{
			Name: "pricebands_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed sweep",
		}),
	}
}

func (r *Recorder) PredictionSubmitted(code string) {
	r.submitted.WithLabelValues(code).Inc()
}

func (r *Recorder) PredictionSettled(status domain.PredictionStatus) {
	r.settled.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) SweepCompleted(result domain.SettlementResult, took time.Duration) {
	r.sweeps.Inc()
	r.sweepItems.WithLabelValues("won").Add(float64(result.Won))
	r.sweepItems.WithLabelValues("lost").Add(float64(result.Lost))
	r.sweepItems.WithLabelValues("failed").Add(float64(result.Failed))
	r.sweepDuration.Observe(took.Seconds())
	r.lastSweep.SetToCurrentTime()
}
