package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the façade and its
// subcomponents register at startup.
type Metrics struct {
	ActiveRunners    prometheus.Gauge
	WakesTotal       *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	ToolCallsTotal   *prometheus.CounterVec
	ActiveTaskRuns   prometheus.Gauge
	ModelStreamErrors *prometheus.CounterVec
	BusEventsTotal   prometheus.Counter
}

// NewMetrics constructs and registers the collector set against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmcore",
			Name:      "active_runners",
			Help:      "Number of agent runners currently registered with the facade.",
		}),
		WakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmcore",
			Name:      "wakes_total",
			Help:      "Count of wake signals delivered to agent runners, by coalesce outcome.",
		}, []string{"coalesced"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swarmcore",
			Name:      "tool_call_duration_seconds",
			Help:      "Tool dispatch latency by tool name and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "ok"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmcore",
			Name:      "tool_calls_total",
			Help:      "Count of tool dispatches by tool name and outcome.",
		}, []string{"tool", "ok"}),
		ActiveTaskRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarmcore",
			Name:      "active_task_runs",
			Help:      "Number of task runs currently in running or stopping state.",
		}),
		ModelStreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarmcore",
			Name:      "model_stream_errors_total",
			Help:      "Count of streaming model invocation failures by provider and error kind.",
		}, []string{"provider", "kind"}),
		BusEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarmcore",
			Name:      "bus_events_total",
			Help:      "Count of events appended to per-workspace UI event buses.",
		}),
	}

	reg.MustRegister(
		m.ActiveRunners,
		m.WakesTotal,
		m.ToolCallDuration,
		m.ToolCallsTotal,
		m.ActiveTaskRuns,
		m.ModelStreamErrors,
		m.BusEventsTotal,
	)
	return m
}

// RecordWake increments the wake counter, labeled by whether this wake
// coalesced with an already-pending one.
func (m *Metrics) RecordWake(coalesced bool) {
	if m == nil {
		return
	}
	label := "false"
	if coalesced {
		label = "true"
	}
	m.WakesTotal.WithLabelValues(label).Inc()
}

// RecordToolCall records a tool dispatch's latency and outcome.
func (m *Metrics) RecordToolCall(tool string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	label := "true"
	if !ok {
		label = "false"
	}
	m.ToolCallDuration.WithLabelValues(tool, label).Observe(seconds)
	m.ToolCallsTotal.WithLabelValues(tool, label).Inc()
}
