package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stoqs"

// Metrics holds the Prometheus collectors for service operations and loads.
type Metrics struct {
	Operations        *prometheus.CounterVec   // labels: operation, status={success,error}
	OperationDuration *prometheus.HistogramVec // labels: operation
	SamplesLoaded     prometheus.Counter
	AggregateRetries  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer means the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Service operations by name and outcome.",
		}, []string{"operation", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations including the enclosing transaction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"operation"}),
		SamplesLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_loaded_total",
			Help:      "Samples written through the bulk load path.",
		}),
		AggregateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregate_retries_total",
			Help:      "Activity parameter count updates retried after a concurrent create.",
		}),
	}
	reg.MustRegister(m.Operations, m.OperationDuration, m.SamplesLoaded, m.AggregateRetries)
	return m
}

// NewMetricsForTesting registers on a fresh registry so tests can build
// several instances.
func NewMetricsForTesting() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewMetrics(reg), reg
}

// Observe records a service operation outcome.
func (m *Metrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveSamples counts samples persisted by a load.
func (m *Metrics) ObserveSamples(_ context.Context, n int) {
	if n > 0 {
		m.SamplesLoaded.Add(float64(n))
	}
}

// ObserveAggregateRetry counts one retried count update.
func (m *Metrics) ObserveAggregateRetry(context.Context) {
	m.AggregateRetries.Inc()
}
