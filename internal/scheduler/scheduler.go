// Package scheduler drives tool calls through a per-call state machine:
// validate the arguments, gate on approval policy, execute with bounded
// parallelism, and report terminal results exactly once per batch.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/outerloop/agents/internal/mcp"
	"github.com/outerloop/agents/internal/observability"
	"github.com/outerloop/agents/pkg/models"
)

// Status is a tool call's position in its lifecycle. Transitions run
// left-to-right only, except awaiting_approval which may go to executing or
// cancelled.
type Status string

const (
	StatusScheduled        Status = "scheduled"
	StatusValidating       Status = "validating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

// ApprovalMode selects the confirmation policy for scheduled calls.
type ApprovalMode string

const (
	// ApprovalAuto executes every call without confirmation.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalInteractive confirms every call.
	ApprovalInteractive ApprovalMode = "interactive"
	// ApprovalDestructiveOnly confirms only calls whose tool definition is
	// marked destructive.
	ApprovalDestructiveOnly ApprovalMode = "destructive-only"
)

// ResponseKind classifies a terminal result.
type ResponseKind string

const (
	ResponseSuccess   ResponseKind = "success"
	ResponseError     ResponseKind = "error"
	ResponseCancelled ResponseKind = "cancelled"
)

// Response is the terminal outcome of a tool call.
type Response struct {
	Kind    ResponseKind    `json:"kind"`
	Display string          `json:"display"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// ToolCall is the scheduler's view of one request. Snapshots handed to
// callbacks are copies; the scheduler owns the live entry until terminal.
type ToolCall struct {
	Request    models.ToolCallRequest `json:"request"`
	Status     Status                 `json:"status"`
	LiveOutput string                 `json:"liveOutput,omitempty"`
	Response   *Response              `json:"response,omitempty"`
	StartedAt  time.Time              `json:"startedAt,omitempty"`
	EndedAt    time.Time              `json:"endedAt,omitempty"`
}

// Invoker dispatches a validated, approved call to its tool.
type Invoker func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult)

// CatalogLookup resolves a tool definition by name for schema validation and
// the destructive flag. ok=false means the tool is unknown to the catalog;
// the call still executes (the invoker produces the authoritative error).
type CatalogLookup func(name string) (models.ToolDefinition, bool)

// ApprovalFunc decides whether an awaiting call may execute. Returning false
// or an error cancels the call.
type ApprovalFunc func(ctx context.Context, call ToolCall) (bool, error)

// Handlers receives scheduler progress. All fields are optional.
type Handlers struct {
	// OnOutputUpdate fires for each live-output chunk of an executing call.
	OnOutputUpdate func(callID, chunk string)
	// OnToolCallsUpdate fires after any state change with a snapshot of the
	// current batch.
	OnToolCallsUpdate func(calls []ToolCall)
	// OnAllToolCallsComplete fires exactly once per batch, after every call
	// reached a terminal status.
	OnAllToolCallsComplete func(completed []ToolCall)
}

// Options configures a Scheduler.
type Options struct {
	MaxParallel  int           // default 5
	ApprovalMode ApprovalMode  // default auto
	CallTimeout  time.Duration // default 30s per call
	Approve      ApprovalFunc  // consulted per ApprovalMode
	// Tracer records one span per scheduled batch. Optional.
	Tracer *observability.Tracer
}

func (o *Options) withDefaults() Options {
	opts := Options{ApprovalMode: ApprovalAuto, MaxParallel: 5, CallTimeout: 30 * time.Second}
	if o != nil {
		if o.MaxParallel > 0 {
			opts.MaxParallel = o.MaxParallel
		}
		if o.ApprovalMode != "" {
			opts.ApprovalMode = o.ApprovalMode
		}
		if o.CallTimeout > 0 {
			opts.CallTimeout = o.CallTimeout
		}
		opts.Approve = o.Approve
		opts.Tracer = o.Tracer
	}
	return opts
}

// Scheduler owns in-flight tool calls. One batch runs at a time per
// Schedule invocation; the map spans batches so call IDs stay unique for
// their lifetime.
type Scheduler struct {
	invoke   Invoker
	catalog  CatalogLookup
	handlers Handlers
	opts     Options
	logger   *slog.Logger

	mu    sync.Mutex
	calls map[string]*ToolCall
}

// New creates a Scheduler.
func New(invoke Invoker, catalog CatalogLookup, handlers Handlers, opts *Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		invoke:   invoke,
		catalog:  catalog,
		handlers: handlers,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "scheduler"),
		calls:    make(map[string]*ToolCall),
	}
}

// Schedule runs a batch of tool calls to completion and returns immutable
// copies of the terminal entries, in request order. Duplicate call IDs —
// within the batch or against any earlier batch — reject the whole batch
// before anything starts. Cancelling ctx moves every non-terminal call to
// cancelled; in-flight invocations are abandoned and their late results
// discarded.
func (s *Scheduler) Schedule(ctx context.Context, requests []models.ToolCallRequest) ([]ToolCall, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(requests))
	for _, req := range requests {
		if req.CallID == "" {
			s.mu.Unlock()
			return nil, fmt.Errorf("invalid input: empty call id for tool %q", req.ToolName)
		}
		if seen[req.CallID] {
			s.mu.Unlock()
			return nil, fmt.Errorf("invalid input: duplicate call id %q in batch", req.CallID)
		}
		if _, exists := s.calls[req.CallID]; exists {
			s.mu.Unlock()
			return nil, fmt.Errorf("invalid input: call id %q already scheduled", req.CallID)
		}
		seen[req.CallID] = true
	}
	batch := make([]string, 0, len(requests))
	for _, req := range requests {
		s.calls[req.CallID] = &ToolCall{Request: req, Status: StatusScheduled}
		batch = append(batch, req.CallID)
	}
	s.mu.Unlock()
	s.emitUpdate(batch)

	ctx, span := s.opts.Tracer.Start(ctx, "scheduler.batch",
		attribute.Int("tool_calls", len(batch)))
	defer span.End()

	// Admission is FIFO: the dispatcher walks the batch in order, blocking
	// on a semaphore slot before starting each call.
	sem := make(chan struct{}, s.opts.MaxParallel)
	var wg sync.WaitGroup
	for _, callID := range batch {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runCall(ctx, id)
		}(callID)
	}
	wg.Wait()

	// Whatever did not reach a terminal state (cancellation mid-batch) is
	// marked cancelled so the completion invariant holds.
	s.mu.Lock()
	for _, callID := range batch {
		call := s.calls[callID]
		if !call.Status.Terminal() {
			s.finishLocked(call, StatusCancelled, &Response{Kind: ResponseCancelled, Display: "cancelled"})
		}
	}
	completed := s.snapshotLocked(batch)
	s.mu.Unlock()

	s.emitUpdate(batch)
	if s.handlers.OnAllToolCallsComplete != nil {
		s.handlers.OnAllToolCallsComplete(completed)
	}
	return completed, nil
}

// runCall advances one call from scheduled to a terminal status.
func (s *Scheduler) runCall(ctx context.Context, callID string) {
	call := s.transition(callID, StatusValidating)
	if call == nil {
		return
	}

	def, known := s.lookup(call.Request.ToolName)
	if known {
		if err := validateArgs(def, call.Request.Args); err != nil {
			s.finish(callID, StatusError, &Response{
				Kind:    ResponseError,
				Display: fmt.Sprintf("invalid arguments for %s: %v", call.Request.ToolName, err),
			})
			return
		}
	}

	if s.needsApproval(def, known) {
		call = s.transition(callID, StatusAwaitingApproval)
		if call == nil {
			return
		}
		approved, err := s.askApproval(ctx, *call)
		if err != nil || !approved {
			display := "rejected by user"
			if err != nil {
				display = fmt.Sprintf("approval failed: %v", err)
			}
			if ctx.Err() != nil {
				display = "cancelled"
			}
			s.finish(callID, StatusCancelled, &Response{Kind: ResponseCancelled, Display: display})
			return
		}
	}

	if ctx.Err() != nil {
		s.finish(callID, StatusCancelled, &Response{Kind: ResponseCancelled, Display: "cancelled"})
		return
	}

	call = s.transition(callID, StatusExecuting)
	if call == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	type outcome struct {
		result   json.RawMessage
		fallback *mcp.FallbackResult
	}
	done := make(chan outcome, 1)
	go func() {
		result, fallback := s.invoke(callCtx, call.Request.ToolName, call.Request.Args)
		done <- outcome{result, fallback}
	}()

	select {
	case out := <-done:
		switch {
		case out.fallback != nil:
			s.finish(callID, StatusError, &Response{
				Kind:    ResponseError,
				Display: out.fallback.Message,
			})
		default:
			s.finish(callID, StatusSuccess, &Response{
				Kind:    ResponseSuccess,
				Display: displayOf(out.result),
				Result:  out.result,
			})
		}
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Abandon the in-flight invocation; its late result is discarded.
			s.finish(callID, StatusCancelled, &Response{Kind: ResponseCancelled, Display: "cancelled"})
			return
		}
		s.finish(callID, StatusError, &Response{
			Kind:    ResponseError,
			Display: fmt.Sprintf("%s timed out after %v", call.Request.ToolName, s.opts.CallTimeout),
		})
	}
}

// UpdateLiveOutput records a live-output chunk for an executing call and
// notifies the output handler. Chunks for non-executing calls are dropped.
func (s *Scheduler) UpdateLiveOutput(callID, chunk string) {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok || call.Status != StatusExecuting {
		s.mu.Unlock()
		return
	}
	call.LiveOutput = chunk
	s.mu.Unlock()

	if s.handlers.OnOutputUpdate != nil {
		s.handlers.OnOutputUpdate(callID, chunk)
	}
}

// Snapshot returns a copy of one call, if present.
func (s *Scheduler) Snapshot(callID string) (ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return ToolCall{}, false
	}
	return *call, true
}

func (s *Scheduler) lookup(name string) (models.ToolDefinition, bool) {
	if s.catalog == nil {
		return models.ToolDefinition{}, false
	}
	return s.catalog(name)
}

// SetApprovalMode changes the approval policy for calls scheduled after it
// returns. In-flight calls keep the policy they started under.
func (s *Scheduler) SetApprovalMode(mode ApprovalMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.ApprovalMode = mode
}

func (s *Scheduler) needsApproval(def models.ToolDefinition, known bool) bool {
	s.mu.Lock()
	mode := s.opts.ApprovalMode
	s.mu.Unlock()
	switch mode {
	case ApprovalInteractive:
		return true
	case ApprovalDestructiveOnly:
		return known && def.Destructive
	default:
		return false
	}
}

func (s *Scheduler) askApproval(ctx context.Context, call ToolCall) (bool, error) {
	if s.opts.Approve == nil {
		// Confirmation required but nobody to ask: fail closed.
		return false, fmt.Errorf("approval required for %s but no approver configured", call.Request.ToolName)
	}
	return s.opts.Approve(ctx, call)
}

// transition moves a call to the given status and returns a copy, or nil if
// the call is already terminal.
func (s *Scheduler) transition(callID string, next Status) *ToolCall {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if !ok || call.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	call.Status = next
	if next == StatusExecuting {
		call.StartedAt = time.Now()
	}
	snapshot := *call
	s.mu.Unlock()

	s.emitUpdate(nil)
	return &snapshot
}

func (s *Scheduler) finish(callID string, status Status, resp *Response) {
	s.mu.Lock()
	call, ok := s.calls[callID]
	if ok {
		s.finishLocked(call, status, resp)
	}
	s.mu.Unlock()
	s.emitUpdate(nil)
}

func (s *Scheduler) finishLocked(call *ToolCall, status Status, resp *Response) {
	if call.Status.Terminal() {
		return
	}
	call.Status = status
	call.Response = resp
	call.EndedAt = time.Now()
}

func (s *Scheduler) snapshotLocked(callIDs []string) []ToolCall {
	out := make([]ToolCall, 0, len(callIDs))
	for _, callID := range callIDs {
		if call, ok := s.calls[callID]; ok {
			out = append(out, *call)
		}
	}
	return out
}

func (s *Scheduler) emitUpdate(batch []string) {
	if s.handlers.OnToolCallsUpdate == nil {
		return
	}
	s.mu.Lock()
	var snapshot []ToolCall
	if batch != nil {
		snapshot = s.snapshotLocked(batch)
	} else {
		snapshot = make([]ToolCall, 0, len(s.calls))
		for _, call := range s.calls {
			snapshot = append(snapshot, *call)
		}
	}
	s.mu.Unlock()
	s.handlers.OnToolCallsUpdate(snapshot)
}

// validateArgs checks call arguments against the tool's parameter schema.
// Tools without a schema accept anything.
func validateArgs(def models.ToolDefinition, args json.RawMessage) error {
	schemaJSON := def.Parameters
	if len(schemaJSON) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(def.Name+".json", string(schemaJSON))
	if err != nil {
		// A broken schema is the provider's bug, not the caller's.
		return nil
	}
	var value any
	if len(args) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(value)
}

func displayOf(result json.RawMessage) string {
	const maxDisplay = 500
	text := string(result)
	if len(text) > maxDisplay {
		return text[:maxDisplay] + "..."
	}
	return text
}
