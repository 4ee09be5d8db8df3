package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the Relay pipeline.
//
// Tracked dimensions:
//   - Turn flow by path (fast|planning) and outcome (settled|rejected)
//   - Guardrail decisions by direction and action
//   - Completion provider latency and request counts
//   - Tool execution counts and latencies
//   - Connected clients and in-flight turns for capacity planning
type Metrics struct {
	// TurnCounter counts turns by path and outcome.
	// Labels: path (fast|planning), outcome (settled|rejected)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: path
	TurnDuration *prometheus.HistogramVec

	// GuardDecisions counts guardrail evaluations.
	// Labels: direction (input|output), action (allow|block|filter)
	GuardDecisions *prometheus.CounterVec

	// ProviderRequestDuration measures completion provider latency in seconds.
	// Labels: provider (anthropic|openai), kind (complete|stream)
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider requests.
	// Labels: provider, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (completed|failed)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// PlanSteps observes how many steps plans carry.
	PlanSteps prometheus.Histogram

	// ActiveTurns gauges turns currently executing or streaming.
	ActiveTurns prometheus.Gauge

	// ConnectedClients gauges attached transport connections.
	ConnectedClients prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers metrics against a caller-owned registry,
// which keeps tests independent of global state.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWith(reg)
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Turns processed by path and outcome.",
		}, []string{"path", "outcome"}),

		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Full turn latency from input to stream completion.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"path"}),

		GuardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_guard_decisions_total",
			Help: "Guardrail evaluations by direction and action.",
		}, []string{"direction", "action"}),

		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_provider_request_duration_seconds",
			Help:    "Completion provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "kind"}),

		ProviderRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_provider_requests_total",
			Help: "Completion provider requests by status.",
		}, []string{"provider", "status"}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tool_executions_total",
			Help: "Tool invocations by status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_tool_execution_duration_seconds",
			Help:    "Tool execution wall-clock time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		PlanSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_plan_steps",
			Help:    "Number of steps per generated plan.",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),

		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_turns",
			Help: "Turns currently executing or streaming.",
		}),

		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_clients",
			Help: "Attached transport connections.",
		}),
	}
}
