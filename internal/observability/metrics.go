package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the orchestration layer.
// All record methods are safe on a nil receiver, so components can take a
// *Metrics without guarding every call site.
type Metrics struct {
	// TurnsTotal counts completed turns. Labels: outcome (success|error).
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// TurnIterations measures model calls per turn.
	TurnIterations prometheus.Histogram

	// ModelCallsTotal counts model API calls. Labels: outcome (success|error).
	ModelCallsTotal *prometheus.CounterVec

	// ModelRetriesTotal counts retried model calls.
	ModelRetriesTotal prometheus.Counter

	// TokensTotal tracks token consumption. Labels: direction (input|output).
	TokensTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool invocations. Labels: tool, status.
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds. Labels: tool.
	ToolExecutionDuration *prometheus.HistogramVec

	// MCPReconnectsTotal counts reconnection attempts. Labels: server.
	MCPReconnectsTotal *prometheus.CounterVec

	// EvictedMessagesTotal counts messages dropped by memory pruning.
	EvictedMessagesTotal prometheus.Counter

	// GuardrailInterventionsTotal counts guardrail-blocked turns.
	GuardrailInterventionsTotal prometheus.Counter
}

// NewMetrics creates and registers all instruments. A nil registerer uses
// the default Prometheus registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_turns_total",
				Help: "Total completed conversation turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_turn_duration_seconds",
				Help:    "Duration of whole conversation turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_turn_iterations",
				Help:    "Model calls made within one turn",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
		),
		ModelCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_model_calls_total",
				Help: "Total model API calls by outcome",
			},
			[]string{"outcome"},
		),
		ModelRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_model_retries_total",
				Help: "Total retried model API calls",
			},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tokens_total",
				Help: "Total tokens consumed by direction",
			},
			[]string{"direction"},
		),
		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		MCPReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_mcp_reconnects_total",
				Help: "Total MCP reconnection attempts by server",
			},
			[]string{"server"},
		),
		EvictedMessagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_evicted_messages_total",
				Help: "Total messages dropped by memory pruning",
			},
		),
		GuardrailInterventionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_guardrail_interventions_total",
				Help: "Total turns blocked or filtered by a guardrail",
			},
		),
	}
}

// RecordTurn records one completed turn.
func (m *Metrics) RecordTurn(outcome string, duration time.Duration, iterations int) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(duration.Seconds())
	m.TurnIterations.Observe(float64(iterations))
}

// RecordModelCall records one model API call.
func (m *Metrics) RecordModelCall(outcome string) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(outcome).Inc()
}

// RecordModelRetry records one retried model call.
func (m *Metrics) RecordModelRetry() {
	if m == nil {
		return
	}
	m.ModelRetriesTotal.Inc()
}

// RecordTokens records token consumption for one model call.
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(input))
	m.TokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordMCPReconnect records one reconnection attempt for a server.
func (m *Metrics) RecordMCPReconnect(server string) {
	if m == nil {
		return
	}
	m.MCPReconnectsTotal.WithLabelValues(server).Inc()
}

// RecordEviction records messages dropped by memory pruning.
func (m *Metrics) RecordEviction(n int) {
	if m == nil {
		return
	}
	m.EvictedMessagesTotal.Add(float64(n))
}

// RecordGuardrailIntervention records one guardrail-blocked turn.
func (m *Metrics) RecordGuardrailIntervention() {
	if m == nil {
		return
	}
	m.GuardrailInterventionsTotal.Inc()
}
