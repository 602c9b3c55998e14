package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/outerloop/agents/internal/llm"
	"github.com/outerloop/agents/internal/mcp"
	"github.com/outerloop/agents/internal/memory"
	"github.com/outerloop/agents/internal/observability"
	"github.com/outerloop/agents/internal/scheduler"
	"github.com/outerloop/agents/internal/sessions"
	"github.com/outerloop/agents/internal/toolselect"
	"github.com/outerloop/agents/pkg/models"
)

// funcProvider scripts Generate responses per call index; the last turn
// repeats once the script runs out. Every request is recorded with its
// tools and messages copied, since the engine may mutate the originals.
type funcProvider struct {
	name     string
	generate func(i int, req *llm.Request) (*llm.Response, error)

	mu       sync.Mutex
	requests []*llm.Request
}

func (p *funcProvider) Name() string {
	if p.name == "" {
		return "anthropic"
	}
	return p.name
}

func (p *funcProvider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	cp := *req
	cp.Tools = append([]models.ToolDefinition(nil), req.Tools...)
	cp.Messages = append([]models.ChatMessage(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	i := len(p.requests) - 1
	p.mu.Unlock()
	return p.generate(i, req)
}

func (p *funcProvider) CountTokens(text string) int { return len(text) / 4 }

func (p *funcProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *funcProvider) request(i int) *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func objSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }

func testCatalog() []models.ToolDefinition {
	return []models.ToolDefinition{
		{Name: "read_file", Description: "Read a file", Parameters: objSchema(),
			ServerName: "builtin", Category: models.CategoryFilesystem},
		{Name: "run_shell", Description: "Run a shell command", Parameters: objSchema(),
			ServerName: "builtin", Category: models.CategoryShell},
		{Name: "fetch_url", Description: "Fetch a web page", Parameters: objSchema(),
			ServerName: "web", Category: models.CategoryWeb},
	}
}

type rig struct {
	engine   *Engine
	provider *funcProvider
	sessions *sessions.Store
	memory   memory.Store

	mu      sync.Mutex
	invoked []string
	// failWith, when set for a tool name, makes its invocation fail.
	failWith map[string]string
}

func newRig(t *testing.T, provider *funcProvider, preset *models.AgentPreset) *rig {
	t.Helper()
	r := &rig{
		provider: provider,
		sessions: sessions.NewStore(sessions.Options{BaseDir: t.TempDir()}, nil),
		memory:   memory.NewMemStore(),
		failWith: make(map[string]string),
	}

	byName := make(map[string]models.ToolDefinition)
	for _, def := range testCatalog() {
		byName[def.Name] = def
	}
	invoke := func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		r.mu.Lock()
		r.invoked = append(r.invoked, toolName)
		msg, fail := r.failWith[toolName]
		r.mu.Unlock()
		if fail {
			return nil, mcp.Fallback(toolName, msg, true)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	lookup := func(name string) (models.ToolDefinition, bool) {
		def, ok := byName[name]
		return def, ok
	}
	sched := scheduler.New(invoke, lookup, scheduler.Handlers{}, nil, nil)
	r.engine = New(provider, sched, toolselect.New(nil), testCatalog, r.memory, r.sessions, preset, nil)
	return r
}

func (r *rig) invokedTools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invoked...)
}

func textTurn(text string) func(int, *llm.Request) (*llm.Response, error) {
	return func(int, *llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func TestExecuteUntilComplete_IterationCap(t *testing.T) {
	provider := &funcProvider{generate: textTurn("still working on it")}
	r := newRig(t, provider, nil)

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "do the thing", Options{MaxIterations: 3})
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonIterationCap {
		t.Errorf("reason = %q", result.CompletionReason)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if result.FinalResult != "still working on it" {
		t.Errorf("finalResult = %q", result.FinalResult)
	}

	assistant := 0
	for _, msg := range r.sessions.LoadHistory() {
		if msg.Role == models.RoleAssistant {
			assistant++
		}
	}
	if assistant != 3 {
		t.Errorf("assistant messages = %d, want exactly one per iteration", assistant)
	}
}

func TestExecuteUntilComplete_ZeroIterations(t *testing.T) {
	provider := &funcProvider{generate: func(int, *llm.Request) (*llm.Response, error) {
		t.Error("provider must not be called with a zero iteration budget")
		return &llm.Response{}, nil
	}}
	r := newRig(t, provider, nil)

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "anything", Options{MaxIterations: 0})
	if err != nil {
		t.Fatal(err)
	}
	if result.Iterations != 0 || result.CompletionReason != ReasonIterationCap {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteUntilComplete_SentinelAfterToolCall(t *testing.T) {
	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if i == 0 {
			return &llm.Response{
				Text: "reading the file first",
				ToolCalls: []models.ToolCall{
					{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"notes.md"}`)},
				},
			}, nil
		}
		return &llm.Response{Text: "The file is empty. task_complete"}, nil
	}}
	preset := &models.AgentPreset{Name: "reader", Tools: []string{"read_file"}}
	r := newRig(t, provider, preset)

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "summarize notes.md", NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted {
		t.Errorf("reason = %q", result.CompletionReason)
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if !strings.Contains(result.FinalResult, "empty") {
		t.Errorf("finalResult = %q", result.FinalResult)
	}
	if got := r.invokedTools(); len(got) != 1 || got[0] != "read_file" {
		t.Errorf("invoked = %v", got)
	}

	// The preset allow-list scopes the tools offered to the model.
	for _, def := range provider.request(0).Tools {
		if def.Name != "read_file" {
			t.Errorf("tool %q offered outside the preset allow-list", def.Name)
		}
	}

	// The tool result lands in history keyed by its call ID.
	foundTool := false
	for _, msg := range r.sessions.LoadHistory() {
		if msg.Role == models.RoleTool && msg.ToolCallID == "c1" {
			foundTool = true
			if !strings.Contains(msg.Content, "ok") {
				t.Errorf("tool message content = %q", msg.Content)
			}
		}
	}
	if !foundTool {
		t.Error("tool result message missing from history")
	}

	// The successful call was recorded as a pattern.
	stats, err := r.memory.GetStatistics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.CountsByType[string(memory.TypeSuccessPattern)] != 1 {
		t.Errorf("success patterns = %v", stats.CountsByType)
	}
}

func TestExecuteUntilComplete_PlanCompleteTool(t *testing.T) {
	provider := &funcProvider{generate: func(int, *llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Text:      "everything checks out",
			ToolCalls: []models.ToolCall{{ID: "p1", Name: PlanCompleteTool}},
		}, nil
	}}
	r := newRig(t, provider, nil)

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "verify the build", NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted || result.Iterations != 1 {
		t.Errorf("result = %+v", result)
	}
	if got := r.invokedTools(); len(got) != 0 {
		t.Errorf("the completion tool must not be dispatched, invoked = %v", got)
	}
}

func TestExecuteUntilComplete_ToolLimitShrink(t *testing.T) {
	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if i == 0 {
			return nil, errors.New("400: too many tools in request")
		}
		return &llm.Response{Text: "done, task_complete"}, nil
	}}
	r := newRig(t, provider, nil)

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "list the files", NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted || result.Iterations != 1 {
		t.Errorf("result = %+v", result)
	}
	if provider.calls() != 2 {
		t.Fatalf("generate calls = %d, want a single shrink retry", provider.calls())
	}
	first, second := len(provider.request(0).Tools), len(provider.request(1).Tools)
	if second >= first {
		t.Errorf("retry offered %d tools, first attempt offered %d", second, first)
	}
}

func TestExecuteUntilComplete_MemoryHintAfterFailure(t *testing.T) {
	const errText = "connection refused while dialing postgres database"
	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if i == 0 {
			return &llm.Response{
				Text:      "querying the database",
				ToolCalls: []models.ToolCall{{ID: "c1", Name: "run_shell", Input: json.RawMessage(`{}`)}},
			}, nil
		}
		return &llm.Response{Text: "recovered, task_complete"}, nil
	}}
	r := newRig(t, provider, nil)
	r.failWith["run_shell"] = errText
	if err := r.memory.StoreErrorPattern(context.Background(), errText,
		"start the database container first", nil); err != nil {
		t.Fatal(err)
	}

	result, err := r.engine.ExecuteUntilComplete(context.Background(), "check the database", NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted {
		t.Errorf("reason = %q", result.CompletionReason)
	}

	second := provider.request(1)
	if len(second.Messages) == 0 || second.Messages[0].Role != models.RoleSystem {
		t.Fatal("expected a system hint leading the second turn")
	}
	if !strings.Contains(second.Messages[0].Content, "database container") {
		t.Errorf("hint = %q", second.Messages[0].Content)
	}
}

func TestExecuteUntilComplete_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if i == 0 {
			return &llm.Response{Text: "progress so far"}, nil
		}
		cancel()
		return nil, ctx.Err()
	}}
	r := newRig(t, provider, nil)

	result, err := r.engine.ExecuteUntilComplete(ctx, "long task", NewOptions())
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCancelled {
		t.Errorf("reason = %q", result.CompletionReason)
	}
	if result.FinalResult != "progress so far" {
		t.Errorf("finalResult = %q, want the last assistant text", result.FinalResult)
	}
}

func TestExecuteUntilComplete_CompressionThreshold(t *testing.T) {
	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if i < 2 {
			return &llm.Response{Text: "chewing through it", InputTokens: 600, OutputTokens: 600}, nil
		}
		return &llm.Response{Text: "task_complete"}, nil
	}}
	r := newRig(t, provider, nil)

	first, err := r.sessions.StartSession()
	if err != nil {
		t.Fatal(err)
	}
	opts := NewOptions()
	opts.CompressionThreshold = 1000
	result, err := r.engine.ExecuteUntilComplete(context.Background(), "huge refactor", opts)
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted {
		t.Errorf("reason = %q", result.CompletionReason)
	}

	current, ok := r.sessions.Current()
	if !ok {
		t.Fatal("no active session")
	}
	if current.ID == first.ID {
		t.Error("expected compression to roll the session over")
	}
	if current.ParentSessionID == "" {
		t.Error("successor must reference the sealed session")
	}
}

func TestExecuteUntilComplete_Instrumentation(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := observability.NewTracerFromProvider("agents", tp)

	provider := &funcProvider{generate: func(i int, req *llm.Request) (*llm.Response, error) {
		if open := testutil.ToFloat64(metrics.ActiveSessions); open != 1 {
			t.Errorf("active sessions mid-run = %v, want 1", open)
		}
		if i == 0 {
			return &llm.Response{
				Text:         "reading the file",
				ToolCalls:    []models.ToolCall{{ID: "c1", Name: "read_file", Input: json.RawMessage(`{}`)}},
				InputTokens:  30,
				OutputTokens: 10,
			}, nil
		}
		return &llm.Response{Text: "task_complete", InputTokens: 5, OutputTokens: 5}, nil
	}}
	r := newRig(t, provider, nil)
	r.failWith["read_file"] = "disk offline"
	r.engine.Instrument(metrics, tracer)

	opts := NewOptions()
	opts.CompressionThreshold = 30
	result, err := r.engine.ExecuteUntilComplete(context.Background(), "read the config", opts)
	if err != nil {
		t.Fatal(err)
	}
	if result.CompletionReason != ReasonCompleted || result.Iterations != 2 {
		t.Fatalf("result = %+v", result)
	}

	requests := testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("anthropic", "default", "success"))
	if requests != 2 {
		t.Errorf("llm success requests = %v, want 2", requests)
	}
	input := testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("anthropic", "default", "input"))
	output := testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("anthropic", "default", "output"))
	if input != 35 || output != 15 {
		t.Errorf("tokens = %v in / %v out, want 35/15", input, output)
	}
	if n := testutil.CollectAndCount(metrics.LLMRequestDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
	if failures := testutil.ToFloat64(metrics.ErrorCounter.WithLabelValues("engine", "tool_call")); failures != 1 {
		t.Errorf("tool failures counted = %v, want 1", failures)
	}
	if compressions := testutil.ToFloat64(metrics.SessionCompressions); compressions != 1 {
		t.Errorf("compressions = %v, want 1", compressions)
	}
	if open := testutil.ToFloat64(metrics.ActiveSessions); open != 0 {
		t.Errorf("active sessions after run = %v, want 0", open)
	}

	iterations := 0
	for _, span := range recorder.Ended() {
		if span.Name() == "engine.iteration" {
			iterations++
		}
	}
	if iterations != 2 {
		t.Errorf("recorded %d iteration spans, want 2", iterations)
	}
}
