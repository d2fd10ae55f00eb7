// Package metrics exposes the orchestrator's collectors: per-intent
// turn duration, per-tool execution outcome and duration, and a
// classification counter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the process-wide collectors. Construct one with New
// and register it with a prometheus.Registerer.
type Metrics struct {
	TurnDuration    *prometheus.HistogramVec
	ToolExecutions  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	Classifications *prometheus.CounterVec
}

// New constructs the collector set, unregistered.
func New() *Metrics {
	return &Metrics{
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentorch",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of one conversation turn, by intent category.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"intent"}),

		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentorch",
			Name:      "tool_executions_total",
			Help:      "Tool call outcomes by tool name and result.",
		}, []string{"tool", "outcome"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentorch",
			Name:      "tool_execution_duration_seconds",
			Help:      "Tool call duration by tool name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentorch",
			Name:      "classifications_total",
			Help:      "Classifier outcomes by intent category and complexity.",
		}, []string{"intent", "complexity"}),
	}
}

// MustRegister registers every collector with reg, panicking on error
// (mirrors prometheus.MustRegister's usual call-once-at-startup idiom).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.TurnDuration, m.ToolExecutions, m.ToolDuration, m.Classifications)
}
