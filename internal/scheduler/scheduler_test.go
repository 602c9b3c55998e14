package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/outerloop/agents/internal/mcp"
	"github.com/outerloop/agents/internal/observability"
	"github.com/outerloop/agents/pkg/models"
)

func echoInvoker(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
	payload, _ := json.Marshal(map[string]string{"tool": toolName})
	return payload, nil
}

func requestsOf(ids ...string) []models.ToolCallRequest {
	reqs := make([]models.ToolCallRequest, 0, len(ids))
	for _, id := range ids {
		reqs = append(reqs, models.ToolCallRequest{CallID: id, ToolName: "echo"})
	}
	return reqs
}

func TestSchedule_AllSucceed(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, nil, nil)
	completed, err := s.Schedule(context.Background(), requestsOf("c1", "c2", "c3"))
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 3 {
		t.Fatalf("expected 3 completed calls, got %d", len(completed))
	}
	for _, call := range completed {
		if call.Status != StatusSuccess {
			t.Errorf("call %s status = %s", call.Request.CallID, call.Status)
		}
		if call.Response == nil || call.Response.Kind != ResponseSuccess {
			t.Errorf("call %s missing success response", call.Request.CallID)
		}
	}
}

func TestSchedule_EmptyBatch(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, nil, nil)
	completed, err := s.Schedule(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if completed != nil {
		t.Errorf("empty batch must produce no calls, got %d", len(completed))
	}
}

func TestSchedule_DuplicateCallIDWithinBatch(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, nil, nil)
	_, err := s.Schedule(context.Background(), requestsOf("same", "same"))
	if err == nil {
		t.Fatal("expected rejection for duplicate call id")
	}
	if !strings.Contains(err.Error(), "invalid input") {
		t.Errorf("error must classify as invalid input: %v", err)
	}
}

func TestSchedule_DuplicateCallIDAcrossBatches(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, nil, nil)
	if _, err := s.Schedule(context.Background(), requestsOf("c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Schedule(context.Background(), requestsOf("c1")); err == nil {
		t.Fatal("call ids must stay unique across batches")
	}
}

func TestSchedule_SameRequestDifferentIDsIndependent(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, nil, nil)
	completed, err := s.Schedule(context.Background(), requestsOf("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 terminal statuses, got %d", len(completed))
	}
	if completed[0].Request.CallID == completed[1].Request.CallID {
		t.Error("calls must remain independent")
	}
}

func TestSchedule_SchemaValidationRejectsBadArgs(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	catalog := func(name string) (models.ToolDefinition, bool) {
		return models.ToolDefinition{Name: name, Parameters: schema}, true
	}
	invoked := atomic.Bool{}
	invoker := func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		invoked.Store(true)
		return nil, nil
	}

	s := New(invoker, catalog, Handlers{}, nil, nil)
	completed, err := s.Schedule(context.Background(), []models.ToolCallRequest{
		{CallID: "bad", ToolName: "read_file", Args: json.RawMessage(`{"path":42}`)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if completed[0].Status != StatusError {
		t.Errorf("schema violation must end as error, got %s", completed[0].Status)
	}
	if invoked.Load() {
		t.Error("invalid arguments must never reach the invoker")
	}
}

func TestSchedule_InteractiveApproval(t *testing.T) {
	decisions := map[string]bool{"yes": true, "no": false}
	opts := &Options{
		ApprovalMode: ApprovalInteractive,
		Approve: func(ctx context.Context, call ToolCall) (bool, error) {
			return decisions[call.Request.CallID], nil
		},
	}
	s := New(echoInvoker, nil, Handlers{}, opts, nil)
	completed, err := s.Schedule(context.Background(), requestsOf("yes", "no"))
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]ToolCall{}
	for _, call := range completed {
		byID[call.Request.CallID] = call
	}
	if byID["yes"].Status != StatusSuccess {
		t.Errorf("approved call status = %s", byID["yes"].Status)
	}
	if byID["no"].Status != StatusCancelled {
		t.Errorf("rejected call status = %s", byID["no"].Status)
	}
}

func TestSchedule_DestructiveOnlyApproval(t *testing.T) {
	catalog := func(name string) (models.ToolDefinition, bool) {
		return models.ToolDefinition{Name: name, Destructive: name == "write_file"}, true
	}
	var asked []string
	var askedMu sync.Mutex
	opts := &Options{
		ApprovalMode: ApprovalDestructiveOnly,
		Approve: func(ctx context.Context, call ToolCall) (bool, error) {
			askedMu.Lock()
			asked = append(asked, call.Request.ToolName)
			askedMu.Unlock()
			return true, nil
		},
	}
	s := New(echoInvoker, catalog, Handlers{}, opts, nil)
	_, err := s.Schedule(context.Background(), []models.ToolCallRequest{
		{CallID: "r", ToolName: "read_file"},
		{CallID: "w", ToolName: "write_file"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(asked) != 1 || asked[0] != "write_file" {
		t.Errorf("only destructive tools need approval, asked for %v", asked)
	}
}

func TestSchedule_ApprovalRequiredButNoApprover(t *testing.T) {
	s := New(echoInvoker, nil, Handlers{}, &Options{ApprovalMode: ApprovalInteractive}, nil)
	completed, err := s.Schedule(context.Background(), requestsOf("c1"))
	if err != nil {
		t.Fatal(err)
	}
	if completed[0].Status != StatusCancelled {
		t.Errorf("missing approver must fail closed, got %s", completed[0].Status)
	}
}

func TestSchedule_MaxParallelBound(t *testing.T) {
	var running, peak atomic.Int32
	invoker := func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		now := running.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	}
	s := New(invoker, nil, Handlers{}, &Options{MaxParallel: 2}, nil)
	_, err := s.Schedule(context.Background(), requestsOf("1", "2", "3", "4", "5", "6"))
	if err != nil {
		t.Fatal(err)
	}
	if peak.Load() > 2 {
		t.Errorf("observed %d concurrent executions, limit is 2", peak.Load())
	}
}

func TestSchedule_CancellationMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	invoker := func(c context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		if toolName == "first" {
			return json.RawMessage(`"ok"`), nil
		}
		<-c.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, mcp.Fallback(toolName, "late", true)
	}

	var completeCalls [][]ToolCall
	var mu sync.Mutex
	var cancelOnce sync.Once
	handlers := Handlers{
		// Cancel the batch as soon as the first call turns terminal.
		OnToolCallsUpdate: func(calls []ToolCall) {
			for _, call := range calls {
				if call.Request.CallID == "c1" && call.Status == StatusSuccess {
					cancelOnce.Do(cancel)
				}
			}
		},
		OnAllToolCallsComplete: func(completed []ToolCall) {
			mu.Lock()
			completeCalls = append(completeCalls, completed)
			mu.Unlock()
		},
	}

	s := New(invoker, nil, handlers, &Options{MaxParallel: 1}, nil)
	completed, err := s.Schedule(ctx, []models.ToolCallRequest{
		{CallID: "c1", ToolName: "first"},
		{CallID: "c2", ToolName: "second"},
		{CallID: "c3", ToolName: "third"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(completed) != 3 {
		t.Fatalf("expected 3 completed entries, got %d", len(completed))
	}
	byID := map[string]ToolCall{}
	for _, call := range completed {
		if !call.Status.Terminal() {
			t.Errorf("call %s not terminal: %s", call.Request.CallID, call.Status)
		}
		byID[call.Request.CallID] = call
	}
	if byID["c1"].Status != StatusSuccess {
		t.Errorf("first call should have finished, got %s", byID["c1"].Status)
	}
	for _, id := range []string{"c2", "c3"} {
		if byID[id].Status != StatusCancelled {
			t.Errorf("call %s should be cancelled, got %s", id, byID[id].Status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completeCalls) != 1 {
		t.Fatalf("completion handler must fire exactly once, fired %d times", len(completeCalls))
	}
	if len(completeCalls[0]) != 3 {
		t.Errorf("completion snapshot has %d entries, want 3", len(completeCalls[0]))
	}
}

func TestUpdateLiveOutput(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	invoker := func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	}

	var chunks []string
	var mu sync.Mutex
	handlers := Handlers{
		OnOutputUpdate: func(callID, chunk string) {
			mu.Lock()
			chunks = append(chunks, chunk)
			mu.Unlock()
		},
	}
	s := New(invoker, nil, handlers, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Schedule(context.Background(), requestsOf("live"))
	}()

	<-started
	s.UpdateLiveOutput("live", "chunk one")
	s.UpdateLiveOutput("live", "chunk two")

	snapshot, ok := s.Snapshot("live")
	if !ok {
		t.Fatal("call not found")
	}
	if snapshot.LiveOutput != "chunk two" {
		t.Errorf("snapshot must reflect the latest chunk, got %q", snapshot.LiveOutput)
	}

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 {
		t.Errorf("expected 2 output updates, got %d", len(chunks))
	}

	// Terminal calls drop further chunks.
	s.UpdateLiveOutput("live", "late")
	if snapshot, _ := s.Snapshot("live"); snapshot.LiveOutput == "late" {
		t.Error("live output must not change after the call is terminal")
	}
}

func TestSchedule_InvokerFallbackBecomesError(t *testing.T) {
	invoker := func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
		return nil, mcp.Fallback(toolName, "provider exploded", true)
	}
	s := New(invoker, nil, Handlers{}, nil, nil)
	completed, err := s.Schedule(context.Background(), requestsOf("boom"))
	if err != nil {
		t.Fatal(err)
	}
	if completed[0].Status != StatusError {
		t.Errorf("fallback must end as error, got %s", completed[0].Status)
	}
	if completed[0].Response.Display != "provider exploded" {
		t.Errorf("display = %q", completed[0].Response.Display)
	}
}

func TestSchedule_EmitsBatchSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := observability.NewTracerFromProvider("agents", tp)

	s := New(echoInvoker, nil, Handlers{}, &Options{Tracer: tracer}, nil)
	if _, err := s.Schedule(context.Background(), requestsOf("c1", "c2")); err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "scheduler.batch" {
		t.Fatalf("expected one scheduler.batch span, got %v", spans)
	}
	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "tool_calls" && attr.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Error("batch span must carry the tool_calls attribute")
	}
}
