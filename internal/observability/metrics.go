// Package observability provides Prometheus metrics for Shellbox.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Shellbox.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool surface metrics.
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Sandbox execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Context lifecycle metrics.
	ContextsCreatedTotal *prometheus.CounterVec
	PersistentActive     prometheus.Gauge

	// Output shaping metrics.
	TruncationsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Total tool invocations.",
		}, []string{"tool", "status"}),

		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandboxed command executions.",
		}, []string{"lifecycle", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellbox",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandboxed command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"lifecycle"}),

		ContextsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "sandbox",
			Name:      "contexts_created_total",
			Help:      "Total execution contexts created.",
		}, []string{"lifecycle"}),

		PersistentActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellbox",
			Subsystem: "sandbox",
			Name:      "persistent_context_active",
			Help:      "1 when the persistent context exists, 0 otherwise.",
		}),

		TruncationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellbox",
			Subsystem: "output",
			Name:      "truncations_total",
			Help:      "Output streams truncated by the normalizer.",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ContextsCreatedTotal,
		m.PersistentActive,
		m.TruncationsTotal,
	)
	return m
}
