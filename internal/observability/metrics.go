package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting runtime metrics.
//
// The metric set covers the core runtime surfaces: signal
// classification, the event bus, LLM requests, tool execution, hook
// runs, compaction, sidecar dispatch, and budget spend.
type Metrics struct {
	// SignalsClassified counts classifications by tier and mode.
	// Labels: tier (rules|llm), mode
	SignalsClassified *prometheus.CounterVec

	// SignalCacheHits counts signal cache lookups.
	// Labels: result (hit|miss)
	SignalCacheHits *prometheus.CounterVec

	// NoiseDropped counts messages dropped by the noise filter.
	// Labels: channel
	NoiseDropped *prometheus.CounterVec

	// BusPublished counts events published per topic.
	BusPublished *prometheus.CounterVec

	// BusDropped counts events dropped by overflowing subscriber queues.
	BusDropped *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|blocked)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// HookRuns counts hook chain executions per event.
	// Labels: event, outcome (ok|blocked|error)
	HookRuns *prometheus.CounterVec

	// HookDuration measures hook chain latency per event in seconds.
	HookDuration *prometheus.HistogramVec

	// CompactionRuns counts compactor activations by pressure state.
	// Labels: state (breakpoint|warning|needed|critical)
	CompactionRuns *prometheus.CounterVec

	// SidecarDispatches counts sidecar capability dispatches.
	// Labels: capability, status (success|error|circuit_open|no_sidecar)
	SidecarDispatches *prometheus.CounterVec

	// BudgetSpendUSD accumulates recorded spend in USD.
	// Labels: provider, model
	BudgetSpendUSD *prometheus.CounterVec

	// ActiveSessions gauges currently open sessions.
	ActiveSessions prometheus.Gauge

	// OrchestratorTasks counts orchestrator task outcomes.
	// Labels: status (completed|failed)
	OrchestratorTasks *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsFor creates metrics registered against a specific registerer.
// Tests use a fresh registry to avoid duplicate registration panics.
func NewMetricsFor(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SignalsClassified: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_signals_classified_total",
			Help: "Signals classified by tier and mode.",
		}, []string{"tier", "mode"}),

		SignalCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_signal_cache_lookups_total",
			Help: "Signal cache lookups by result.",
		}, []string{"result"}),

		NoiseDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_noise_dropped_total",
			Help: "Messages dropped by the noise filter.",
		}, []string{"channel"}),

		BusPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_bus_published_total",
			Help: "Events published to the bus per topic.",
		}, []string{"topic"}),

		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_bus_dropped_total",
			Help: "Events dropped by overflowing subscriber queues.",
		}, []string{"topic"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_llm_request_duration_seconds",
			Help:    "LLM API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_llm_requests_total",
			Help: "LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_llm_tokens_total",
			Help: "Token consumption by provider, model, and type.",
		}, []string{"provider", "model", "type"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		HookRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_hook_runs_total",
			Help: "Hook chain executions per event and outcome.",
		}, []string{"event", "outcome"}),

		HookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osa_hook_duration_seconds",
			Help:    "Hook chain latency per event.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
		}, []string{"event"}),

		CompactionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_compaction_runs_total",
			Help: "Compactor activations by pressure state.",
		}, []string{"state"}),

		SidecarDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_sidecar_dispatches_total",
			Help: "Sidecar capability dispatches by status.",
		}, []string{"capability", "status"}),

		BudgetSpendUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_budget_spend_usd_total",
			Help: "Recorded spend in USD.",
		}, []string{"provider", "model"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "osa_active_sessions",
			Help: "Currently open sessions.",
		}),

		OrchestratorTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "osa_orchestrator_tasks_total",
			Help: "Orchestrator task outcomes.",
		}, []string{"status"}),
	}
}
