// Package engine drives the LLM/tool loop: assemble a turn from session
// history and memory hints, select a provider-safe tool subset, invoke the
// model, schedule the tool calls it requests, record outcomes, and repeat
// until a completion signal or the iteration cap.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/outerloop/agents/internal/llm"
	"github.com/outerloop/agents/internal/memory"
	"github.com/outerloop/agents/internal/observability"
	"github.com/outerloop/agents/internal/retry"
	"github.com/outerloop/agents/internal/scheduler"
	"github.com/outerloop/agents/internal/sessions"
	"github.com/outerloop/agents/internal/toolselect"
	"github.com/outerloop/agents/pkg/models"
)

// DefaultMaxIterations bounds the loop when the caller does not.
const DefaultMaxIterations = 30

// PlanCompleteTool is the reserved tool name the model calls to assert the
// plan is finished.
const PlanCompleteTool = "plan_complete"

// taskCompleteSentinel is the text marker honored as a completion signal
// when no tools are called.
const taskCompleteSentinel = "task_complete"

// minHintConfidence gates memory suggestions out of the system hint.
const minHintConfidence = 0.5

// Completion reasons.
const (
	ReasonCompleted    = "completed"
	ReasonIterationCap = "iteration_cap"
	ReasonCancelled    = "cancelled"
)

// Options configures one ExecuteUntilComplete run. The zero value of
// MaxIterations is honored as written: an engine allowed zero iterations
// stops immediately with the iteration_cap reason.
type Options struct {
	MaxIterations        int
	RequireHumanApproval bool
	SessionID            string
	// CompressionThreshold triggers session compression when the running
	// token count exceeds it. Zero disables compression.
	CompressionThreshold int
}

// NewOptions returns Options with the defaults applied.
func NewOptions() Options {
	return Options{MaxIterations: DefaultMaxIterations}
}

// Result is the outcome of a run.
type Result struct {
	FinalResult      string `json:"finalResult"`
	Iterations       int    `json:"iterations"`
	CompletionReason string `json:"completionReason"`
}

// Catalog supplies the current tool catalog.
type Catalog func() []models.ToolDefinition

// Engine wires the collaborators of the execution loop.
type Engine struct {
	provider llm.Provider
	sched    *scheduler.Scheduler
	selector *toolselect.Selector
	catalog  Catalog
	store    memory.Store
	sessions *sessions.Store
	preset   *models.AgentPreset
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// New creates an engine. preset scopes tool selection and supplies the
// system prompt; a nil preset runs unscoped with no system prompt.
func New(provider llm.Provider, sched *scheduler.Scheduler, selector *toolselect.Selector,
	catalog Catalog, store memory.Store, sessionStore *sessions.Store,
	preset *models.AgentPreset, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider: provider,
		sched:    sched,
		selector: selector,
		catalog:  catalog,
		store:    store,
		sessions: sessionStore,
		preset:   preset,
		logger:   logger.With("component", "engine"),
	}
}

// Instrument attaches the metrics and tracing surface. Either may be nil;
// an uninstrumented engine runs unchanged.
func (e *Engine) Instrument(metrics *observability.Metrics, tracer *observability.Tracer) {
	e.metrics = metrics
	e.tracer = tracer
}

// ExecuteUntilComplete runs the loop until the model signals completion,
// the iteration cap is reached, or ctx is cancelled.
func (e *Engine) ExecuteUntilComplete(ctx context.Context, prompt string, opts Options) (*Result, error) {
	if opts.SessionID != "" {
		if _, err := e.sessions.Restore(opts.SessionID); err != nil {
			return nil, fmt.Errorf("restore session: %w", err)
		}
	}
	if opts.RequireHumanApproval {
		e.sched.SetApprovalMode(scheduler.ApprovalInteractive)
	}

	if err := e.sessions.AppendMessage(models.ChatMessage{
		Role:    models.RoleUser,
		Content: prompt,
	}); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
		defer e.metrics.ActiveSessions.Dec()
	}

	result := &Result{CompletionReason: ReasonIterationCap}
	st := &turnState{}

	for result.Iterations < opts.MaxIterations {
		if ctx.Err() != nil {
			result.CompletionReason = ReasonCancelled
			result.FinalResult = st.lastAssistantText
			return result, nil
		}

		iterCtx, span := e.tracer.Start(ctx, "engine.iteration",
			attribute.Int("iteration", result.Iterations))
		done := e.iteration(iterCtx, span, prompt, opts, result, st)
		span.End()
		if done {
			return result, nil
		}
	}

	result.FinalResult = st.lastAssistantText
	e.sessions.Save()
	return result, nil
}

// turnState carries context between iterations of one run.
type turnState struct {
	lastAssistantText string
	lastError         string
}

// iteration runs one turn of the loop and reports whether the run reached a
// terminal result.
func (e *Engine) iteration(ctx context.Context, span trace.Span, prompt string, opts Options, result *Result, st *turnState) bool {
	req := &llm.Request{
		System:   e.systemPrompt(),
		Messages: e.sessions.LoadHistory(),
		Tools:    e.selectTools(prompt),
	}
	if e.preset != nil {
		req.Model = e.preset.Model
	}
	if hint := e.memoryHint(ctx, st.lastError); hint != "" {
		req.Messages = append([]models.ChatMessage{
			{Role: models.RoleSystem, Content: hint},
		}, req.Messages...)
	}

	resp, err := e.generateWithShrink(ctx, req, prompt)
	if err != nil {
		observability.RecordError(span, err)
		if ctx.Err() != nil {
			result.CompletionReason = ReasonCancelled
			result.FinalResult = st.lastAssistantText
			return true
		}
		// A failed iteration feeds the next turn rather than aborting.
		e.logger.Warn("llm call failed", "error", err, "iteration", result.Iterations)
		e.countError("engine", "llm_request")
		st.lastError = err.Error()
		e.sessions.AppendMessage(models.ChatMessage{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("The previous attempt failed: %v. Please try a different approach.", err),
		})
		result.Iterations++
		return false
	}

	e.sessions.AddTokens(resp.InputTokens + resp.OutputTokens)
	if resp.Text != "" {
		st.lastAssistantText = resp.Text
	}

	// Completion signals: the reserved tool, or the sentinel text when no
	// tools were requested.
	if containsPlanComplete(resp.ToolCalls) ||
		(len(resp.ToolCalls) == 0 && strings.Contains(strings.ToLower(resp.Text), taskCompleteSentinel)) {
		e.sessions.AppendMessage(models.ChatMessage{
			Role:    models.RoleAssistant,
			Content: resp.Text,
		})
		result.Iterations++
		result.CompletionReason = ReasonCompleted
		result.FinalResult = st.lastAssistantText
		e.sessions.Save()
		return true
	}

	e.sessions.AppendMessage(models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})

	if len(resp.ToolCalls) > 0 {
		completed, err := e.sched.Schedule(ctx, toRequests(resp.ToolCalls))
		if err != nil {
			observability.RecordError(span, err)
			e.countError("engine", "schedule")
			st.lastError = err.Error()
			e.sessions.AppendMessage(models.ChatMessage{
				Role:    models.RoleUser,
				Content: fmt.Sprintf("Tool scheduling failed: %v", err),
			})
			result.Iterations++
			return false
		}
		st.lastError = e.recordOutcomes(ctx, completed)
		for _, call := range completed {
			e.sessions.AppendMessage(models.ChatMessage{
				Role:       models.RoleTool,
				ToolCallID: call.Request.CallID,
				Content:    toolMessageContent(call),
			})
		}
		if ctx.Err() != nil {
			result.Iterations++
			result.CompletionReason = ReasonCancelled
			result.FinalResult = st.lastAssistantText
			e.sessions.Save()
			return true
		}
	}

	result.Iterations++
	e.maybeCompress(opts, st.lastAssistantText)
	return false
}

// generateWithShrink retries one Generate with a shrunken tool subset after
// a provider tool-limit rejection. A second rejection surfaces the error.
// Transient provider errors are retried by the supervisor; tool-limit
// rejections bypass it and go straight to the shrink path.
func (e *Engine) generateWithShrink(ctx context.Context, req *llm.Request, turnText string) (*llm.Response, error) {
	resp, err := e.generate(ctx, req)
	if err == nil || !toolselect.IsToolLimitError(err) {
		return resp, err
	}

	e.logger.Info("provider rejected tools payload, shrinking subset",
		"tools", len(req.Tools))
	req.Tools = e.selector.Shrink(req.Tools, turnText)
	return e.generate(ctx, req)
}

func (e *Engine) generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	opts := retry.DefaultOptions()
	opts.Timeout = 2 * time.Minute
	opts.ShouldRetry = func(err error) bool {
		return !toolselect.IsToolLimitError(err)
	}
	start := time.Now()
	result := retry.WithRetry(ctx, opts, func(ctx context.Context) (*llm.Response, error) {
		return e.provider.Generate(ctx, req)
	})
	if result.Attempts > 1 {
		e.logger.Debug("llm call retried", "attempts", result.Attempts, "ok", result.OK)
	}
	e.recordLLMCall(req, result.Value, result.Err, time.Since(start))
	return result.Value, result.Err
}

// recordLLMCall updates the request metrics for one provider call, retries
// included.
func (e *Engine) recordLLMCall(req *llm.Request, resp *llm.Response, err error, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	provider := e.provider.Name()
	model := req.Model
	if model == "" {
		model = "default"
	}
	e.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if resp != nil {
		e.metrics.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(resp.InputTokens))
		e.metrics.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(resp.OutputTokens))
	}
}

func (e *Engine) countError(component, errorType string) {
	if e.metrics != nil {
		e.metrics.ErrorCounter.WithLabelValues(component, errorType).Inc()
	}
}

// selectTools scopes the catalog to the preset's allow-list and the
// provider's limit.
func (e *Engine) selectTools(turnText string) []models.ToolDefinition {
	all := e.catalog()
	if e.preset != nil && len(e.preset.Tools) > 0 {
		scoped := make([]models.ToolDefinition, 0, len(all))
		for _, def := range all {
			if e.preset.HasTool(def.Name) {
				scoped = append(scoped, def)
			}
		}
		all = scoped
	}
	return e.selector.Select(all, turnText, e.provider.Name())
}

func (e *Engine) systemPrompt() string {
	if e.preset == nil {
		return ""
	}
	return e.preset.SystemPrompt
}

// memoryHint asks the store for a past solution to the last error.
func (e *Engine) memoryHint(ctx context.Context, lastError string) string {
	if lastError == "" || e.store == nil {
		return ""
	}
	solution, err := e.store.FindErrorSolution(ctx, lastError, nil)
	if err != nil {
		e.logger.Warn("memory lookup failed", "error", err)
		e.countError("memory", "lookup")
		return ""
	}
	if solution == nil || solution.Confidence <= minHintConfidence {
		return ""
	}
	return fmt.Sprintf("A similar error was resolved before: %s", solution.Solution)
}

// recordOutcomes writes success and error patterns for every terminal call
// and returns the last error text, if any.
func (e *Engine) recordOutcomes(ctx context.Context, completed []scheduler.ToolCall) string {
	lastError := ""
	for _, call := range completed {
		if e.store == nil {
			continue
		}
		meta := map[string]any{
			"tool": call.Request.ToolName,
			"args": string(call.Request.Args),
		}
		switch call.Status {
		case scheduler.StatusSuccess:
			if err := e.store.StoreSuccessPattern(ctx, call.Request.ToolName, nil, meta); err != nil {
				e.logger.Warn("memory write failed", "error", err)
				e.countError("memory", "write")
			}
		case scheduler.StatusError:
			display := ""
			if call.Response != nil {
				display = call.Response.Display
			}
			lastError = display
			e.countError("engine", "tool_call")
			if err := e.store.StoreErrorPattern(ctx, display, "", meta); err != nil {
				e.logger.Warn("memory write failed", "error", err)
				e.countError("memory", "write")
			}
		}
	}
	return lastError
}

// maybeCompress seals the session when the token budget is exceeded.
func (e *Engine) maybeCompress(opts Options, lastAssistantText string) {
	if opts.CompressionThreshold <= 0 {
		return
	}
	if e.sessions.TokenCount() <= opts.CompressionThreshold {
		return
	}
	summary := lastAssistantText
	if summary == "" {
		summary = "Conversation compressed."
	}
	compressed := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "Summary of the previous session: " + summary},
	}
	if _, err := e.sessions.CompressAndStartNewSession(compressed, summary); err != nil {
		e.logger.Warn("session compression failed", "error", err)
		e.countError("sessions", "compression")
		return
	}
	if e.metrics != nil {
		e.metrics.SessionCompressions.Inc()
	}
}

func containsPlanComplete(calls []models.ToolCall) bool {
	for _, call := range calls {
		if call.Name == PlanCompleteTool {
			return true
		}
	}
	return false
}

func toRequests(calls []models.ToolCall) []models.ToolCallRequest {
	requests := make([]models.ToolCallRequest, 0, len(calls))
	for _, call := range calls {
		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}
		requests = append(requests, models.ToolCallRequest{
			CallID:   callID,
			ToolName: call.Name,
			Args:     call.Input,
		})
	}
	return requests
}

func toolMessageContent(call scheduler.ToolCall) string {
	if call.Response == nil {
		return string(call.Status)
	}
	switch call.Response.Kind {
	case scheduler.ResponseSuccess:
		if len(call.Response.Result) > 0 {
			return string(call.Response.Result)
		}
		return call.Response.Display
	default:
		payload, _ := json.Marshal(map[string]any{
			"error":   true,
			"kind":    call.Response.Kind,
			"message": call.Response.Display,
		})
		return string(payload)
	}
}
