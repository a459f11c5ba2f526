package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects agent runtime metrics for Prometheus scraping.
type Metrics struct {
	// LLMRequestCounter counts chat-completion requests.
	// Labels: model, status (success|retryable_error|fatal_error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures chat-completion latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption by type.
	// Labels: model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|rejected)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool handler runtime in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compaction attempts.
	// Labels: trigger (preventative|context_length), status (success|error)
	CompactionCounter *prometheus.CounterVec

	// LoopIterations observes iterations per completed run.
	LoopIterations prometheus.Histogram

	// ActiveWorkers gauges the number of live session workers.
	ActiveWorkers prometheus.Gauge
}

// NewMetrics creates and registers the metric set on the given registerer.
// Passing nil registers on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_llm_requests_total",
			Help: "Chat completion requests by model and outcome.",
		}, []string{"model", "status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskpilot_llm_request_duration_seconds",
			Help:    "Chat completion request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_llm_tokens_total",
			Help: "Token consumption by type.",
		}, []string{"model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_tool_executions_total",
			Help: "Tool invocations by name and outcome.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskpilot_tool_execution_duration_seconds",
			Help:    "Tool handler runtime.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		CompactionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpilot_compactions_total",
			Help: "History compaction attempts by trigger and outcome.",
		}, []string{"trigger", "status"}),
		LoopIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskpilot_loop_iterations",
			Help:    "Loop iterations per completed run.",
			Buckets: []float64{1, 2, 5, 10, 20, 35, 50, 75, 100},
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpilot_active_workers",
			Help: "Live session workers.",
		}),
	}

	factory.MustRegister(
		m.LLMRequestCounter,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.CompactionCounter,
		m.LoopIterations,
		m.ActiveWorkers,
	)
	return m
}

// NopMetrics returns a metric set registered on a throwaway registry,
// for tests and collaborators that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
