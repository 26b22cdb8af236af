package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics records per-batch outcomes for the relay and dispatcher.
type WorkerMetrics struct {
	batchDuration *prometheus.HistogramVec
	rows          *prometheus.CounterVec
}

// NewWorkerMetrics registers the worker metrics on the provided registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		return &WorkerMetrics{}
	}
	batchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaykit_batch_duration_seconds",
		Help:    "Duration of one batch pass in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaykit_rows_total",
		Help: "Rows handled per worker, partitioned by outcome.",
	}, []string{"worker", "outcome"})
	reg.MustRegister(batchDuration, rows)
	return &WorkerMetrics{
		batchDuration: batchDuration,
		rows:          rows,
	}
}

// ObserveBatch records the duration of one batch pass for the named worker.
func (w *WorkerMetrics) ObserveBatch(worker string, duration time.Duration) {
	if w == nil || w.batchDuration == nil {
		return
	}
	w.batchDuration.WithLabelValues(normalizeLabel(worker)).Observe(duration.Seconds())
}

// AddRows adds n to the row counter for the given worker and outcome.
func (w *WorkerMetrics) AddRows(worker, outcome string, n int) {
	if w == nil || w.rows == nil || n <= 0 {
		return
	}
	w.rows.WithLabelValues(normalizeLabel(worker), normalizeLabel(outcome)).Add(float64(n))
}
