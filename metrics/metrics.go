// Package metrics exposes Prometheus instrumentation for checkpoint savers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results used as the "result" label.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Recorder collects per-operation counters and latencies.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	operations *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewRecorder creates a Recorder and registers its collectors on reg.
// A nil reg leaves the collectors unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_operations_total",
				Help: "Total number of checkpoint store operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoint_retries_total",
				Help: "Total number of retried store calls after a transient failure",
			},
			[]string{"operation"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "checkpoint_operation_duration_seconds",
				Help:    "Checkpoint store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	if reg != nil {
		reg.MustRegister(r.operations, r.retries, r.duration)
	}
	return r
}

// ObserveOperation records the outcome and latency of an operation started at start.
func (r *Recorder) ObserveOperation(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// IncRetry counts one retry of operation.
func (r *Recorder) IncRetry(operation string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(operation).Inc()
}
