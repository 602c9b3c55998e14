package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersEverything(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "success").Inc()
	metrics.ToolCallCounter.WithLabelValues("read_file", "builtin", "success").Inc()
	metrics.MCPServerUp.WithLabelValues("filesystem").Set(1)
	metrics.EngineIterations.WithLabelValues("completed").Inc()
	metrics.ActiveSessions.Inc()
	metrics.SessionCompressions.Inc()
	metrics.ErrorCounter.WithLabelValues("scheduler", "timeout").Inc()

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("nothing registered")
	}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "agents_") {
			t.Errorf("metric %q outside the agents namespace", family.GetName())
		}
	}
}

func TestToolCallCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ToolCallCounter.WithLabelValues("run_shell", "builtin", "success").Inc()
	metrics.ToolCallCounter.WithLabelValues("run_shell", "builtin", "success").Inc()
	metrics.ToolCallCounter.WithLabelValues("fetch_url", "web", "error").Inc()

	if count := testutil.CollectAndCount(metrics.ToolCallCounter); count != 2 {
		t.Errorf("label combinations = %d, want 2", count)
	}
	expected := `
		# HELP agents_tool_calls_total Total tool calls by name, server, and terminal status
		# TYPE agents_tool_calls_total counter
		agents_tool_calls_total{server="builtin",status="success",tool_name="run_shell"} 2
		agents_tool_calls_total{server="web",status="error",tool_name="fetch_url"} 1
	`
	if err := testutil.CollectAndCompare(metrics.ToolCallCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMCPServerUpGauge(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.MCPServerUp.WithLabelValues("filesystem").Set(1)
	metrics.MCPServerUp.WithLabelValues("filesystem").Set(0)

	if got := testutil.ToFloat64(metrics.MCPServerUp.WithLabelValues("filesystem")); got != 0 {
		t.Errorf("gauge = %f, want 0 after disconnect", got)
	}
}
