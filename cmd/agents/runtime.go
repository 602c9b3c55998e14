package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/outerloop/agents/internal/config"
	"github.com/outerloop/agents/internal/engine"
	"github.com/outerloop/agents/internal/llm"
	"github.com/outerloop/agents/internal/mcp"
	"github.com/outerloop/agents/internal/memory"
	"github.com/outerloop/agents/internal/observability"
	"github.com/outerloop/agents/internal/presets"
	"github.com/outerloop/agents/internal/scheduler"
	"github.com/outerloop/agents/internal/sessions"
	"github.com/outerloop/agents/internal/tools"
	"github.com/outerloop/agents/internal/toolselect"
	"github.com/outerloop/agents/pkg/models"
)

// runtime is the composition root: every command builds one, uses it, and
// closes it.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error

	metrics       *observability.Metrics
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error
	metricsSrv    *http.Server

	manager  *mcp.Manager
	registry *tools.Registry
	memory   memory.Store
	sessions *sessions.Store
	presets  *presets.Registry
	provider llm.Provider
	selector *toolselect.Selector
	sched    *scheduler.Scheduler

	evMu       sync.Mutex
	lastStatus map[string]scheduler.Status
}

// metricsInstance is process-wide: Prometheus collectors register once even
// when several runtimes are built in one process.
var metricsInstance *observability.Metrics

func newRuntime(ctx context.Context) (*runtime, error) {
	config.LoadEnvFiles()
	path := configPath
	if path == "" {
		path = config.FindConfig()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Silent: cfg.Logging.Silent,
		Dir:    cfg.Logging.Dir,
	})
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	if metricsInstance == nil {
		metricsInstance = observability.NewMetrics(prometheus.DefaultRegisterer)
	}
	r := &runtime{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metricsInstance,
	}
	r.tracer, r.traceShutdown = observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agents",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	if err := r.build(ctx); err != nil {
		r.close(ctx)
		return nil, err
	}
	return r, nil
}

func (r *runtime) build(ctx context.Context) error {
	cfg := r.cfg

	if cfg.Memory.On() {
		if err := os.MkdirAll(filepath.Dir(cfg.Memory.Path), 0o755); err != nil {
			return fmt.Errorf("create memory dir: %w", err)
		}
		store, err := memory.NewSQLiteStore(cfg.Memory.Path)
		if err != nil {
			return fmt.Errorf("open memory store: %w", err)
		}
		r.memory = store
	} else {
		r.memory = memory.NewMemStore()
	}

	r.sessions = sessions.NewStore(sessions.Options{
		BaseDir:        cfg.Sessions.Dir,
		MaxHistorySize: cfg.Sessions.MaxHistorySize,
		MaxAgeDays:     cfg.Sessions.MaxAgeDays,
	}, r.logger)

	installDir := ""
	if exe, err := os.Executable(); err == nil {
		installDir = filepath.Dir(exe)
	}
	r.presets = presets.NewRegistry(presets.DefaultDirs(installDir), r.logger)

	provider, err := llm.New(llm.Options{
		Provider: cfg.Provider.Provider,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		Endpoint: cfg.Provider.Endpoint,
	})
	if err != nil {
		return err
	}
	r.provider = provider

	r.registry = tools.NewRegistry()
	roots := cfg.Tools.Roots
	if len(roots) == 0 {
		roots = []string{"."}
	}
	fileTools, err := tools.NewFileToolset(roots)
	if err != nil {
		return err
	}
	fileTools.RegisterAll(r.registry)
	r.registry.Register(tools.NewShellTool(cfg.Tools.AllowedCommands))

	servers := make([]*mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for i := range cfg.MCP.Servers {
		servers = append(servers, &cfg.MCP.Servers[i])
	}
	r.manager = mcp.NewManager(&mcp.Config{
		Enabled: cfg.MCP.On(),
		Servers: servers,
	}, r.logger, r.onRuntimeEvent)
	r.manager.RegisterLocalTools("builtin", r.registry.Definitions(), r.registry.Invoke)
	if err := r.manager.Initialize(ctx); err != nil {
		return err
	}
	for _, status := range r.manager.Status() {
		up := 0.0
		if status.Connected {
			up = 1.0
		}
		r.metrics.MCPServerUp.WithLabelValues(status.Name).Set(up)
	}

	r.selector = toolselect.New(r.logger)
	r.lastStatus = make(map[string]scheduler.Status)
	r.sched = scheduler.New(
		r.manager.InvokeTool,
		r.lookupTool,
		scheduler.Handlers{
			OnToolCallsUpdate: r.emitToolTransitions,
			OnOutputUpdate: func(callID, chunk string) {
				r.onRuntimeEvent(models.NewToolEvent(models.EventToolOutput, "", callID).
					WithMeta("chunk", chunk))
			},
			OnAllToolCallsComplete: r.recordBatchMetrics,
		},
		&scheduler.Options{
			MaxParallel:  cfg.Scheduler.MaxParallel,
			CallTimeout:  cfg.Scheduler.CallTimeout,
			ApprovalMode: scheduler.ApprovalMode(cfg.Scheduler.ApprovalMode),
			Approve:      askApproval,
			Tracer:       r.tracer,
		},
		r.logger,
	)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		r.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}
	return nil
}

// engineFor builds an execution engine scoped to a preset. A nil preset
// runs general-purpose.
func (r *runtime) engineFor(preset *models.AgentPreset) *engine.Engine {
	if preset == nil {
		preset = r.presets.GeneralPurpose()
	}
	if preset.SystemPrompt == "" && r.cfg.Provider.SystemPrompt != "" {
		scoped := *preset
		scoped.SystemPrompt = r.cfg.Provider.SystemPrompt
		preset = &scoped
	}
	eng := engine.New(r.provider, r.sched, r.selector, r.manager.ListTools,
		r.memory, r.sessions, preset, r.logger)
	eng.Instrument(r.metrics, r.tracer)
	return eng
}

func (r *runtime) engineOptions() engine.Options {
	opts := engine.NewOptions()
	opts.MaxIterations = r.cfg.Engine.MaxIterations
	opts.CompressionThreshold = r.cfg.Engine.CompressionThreshold
	return opts
}

func (r *runtime) lookupTool(name string) (models.ToolDefinition, bool) {
	for _, def := range r.manager.ListTools() {
		if def.Name == name {
			return def, true
		}
	}
	return models.ToolDefinition{}, false
}

func (r *runtime) onRuntimeEvent(ev *models.RuntimeEvent) {
	r.logger.Debug("runtime event", "type", ev.Type, "tool", ev.ToolName,
		"call_id", ev.CallID, "meta", ev.Meta)
}

// emitToolTransitions turns scheduler status changes into runtime events,
// one per transition.
func (r *runtime) emitToolTransitions(calls []scheduler.ToolCall) {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	for _, call := range calls {
		if r.lastStatus[call.Request.CallID] == call.Status {
			continue
		}
		r.lastStatus[call.Request.CallID] = call.Status
		if eventType, ok := toolEventFor(call.Status); ok {
			r.onRuntimeEvent(models.NewToolEvent(eventType, call.Request.ToolName, call.Request.CallID))
		}
	}
}

func toolEventFor(status scheduler.Status) (models.RuntimeEventType, bool) {
	switch status {
	case scheduler.StatusScheduled:
		return models.EventToolQueued, true
	case scheduler.StatusAwaitingApproval:
		return models.EventToolAwaitingApproval, true
	case scheduler.StatusExecuting:
		return models.EventToolStarted, true
	case scheduler.StatusSuccess:
		return models.EventToolCompleted, true
	case scheduler.StatusError:
		return models.EventToolFailed, true
	case scheduler.StatusCancelled:
		return models.EventToolCancelled, true
	default:
		return "", false
	}
}

func (r *runtime) recordBatchMetrics(completed []scheduler.ToolCall) {
	for _, call := range completed {
		def, _ := r.lookupTool(call.Request.ToolName)
		server := def.ServerName
		if server == "" {
			server = "unknown"
		}
		r.metrics.ToolCallCounter.WithLabelValues(call.Request.ToolName, server, string(call.Status)).Inc()
		if !call.StartedAt.IsZero() && !call.EndedAt.IsZero() {
			r.metrics.ToolCallDuration.WithLabelValues(call.Request.ToolName).
				Observe(call.EndedAt.Sub(call.StartedAt).Seconds())
		}
	}
}

func (r *runtime) close(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if r.metricsSrv != nil {
		r.metricsSrv.Shutdown(stopCtx)
	}
	if r.manager != nil {
		r.manager.Stop(stopCtx)
	}
	if r.sessions != nil {
		if err := r.sessions.Save(); err != nil {
			r.logger.Warn("session save failed", "error", err)
		}
	}
	if r.memory != nil {
		r.memory.Close()
	}
	if r.traceShutdown != nil {
		r.traceShutdown(stopCtx)
	}
	if r.closeLog != nil {
		r.closeLog()
	}
}

// askApproval prompts on the terminal for calls the scheduler holds for
// confirmation.
func askApproval(ctx context.Context, call scheduler.ToolCall) (bool, error) {
	fmt.Printf("Allow tool %s with args %s? [y/N] ", call.Request.ToolName, string(call.Request.Args))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
