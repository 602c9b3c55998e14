package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the Prometheus instrumentation surface of the runtime. It
// tracks LLM calls, tool executions, MCP server health, engine iterations,
// and session lifecycle.
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolCallCounter counts scheduled tool calls by terminal status.
	// Labels: tool_name, server, status (success|error|cancelled)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// MCPServerUp reports connected MCP servers.
	// Labels: server
	MCPServerUp *prometheus.GaugeVec

	// EngineIterations counts execution-loop iterations.
	// Labels: completion_reason, set on the final iteration only
	EngineIterations *prometheus.CounterVec

	// ActiveSessions gauges sessions currently open.
	ActiveSessions prometheus.Gauge

	// SessionCompressions counts session compaction rollovers.
	SessionCompressions prometheus.Counter

	// ErrorCounter tracks errors by component.
	// Labels: component (engine|scheduler|mcp|memory|sessions), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agents_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_tool_calls_total",
				Help: "Total tool calls by name, server, and terminal status",
			},
			[]string{"tool_name", "server", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agents_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		MCPServerUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agents_mcp_server_up",
				Help: "Whether an MCP server connection is established",
			},
			[]string{"server"},
		),
		EngineIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_engine_iterations_total",
				Help: "Execution-loop iterations by completion reason",
			},
			[]string{"completion_reason"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agents_active_sessions",
				Help: "Sessions currently open",
			},
		),
		SessionCompressions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agents_session_compressions_total",
				Help: "Session compaction rollovers",
			},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agents_errors_total",
				Help: "Errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}
