package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outerloop/agents/pkg/models"
)

// Config holds the manager configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// DefaultServer receives calls for tools missing from the catalog.
	DefaultServer string `yaml:"default_server,omitempty"`

	Servers []*ServerConfig `yaml:"servers"`
}

// EventFunc receives initialization and status events. Must not block.
type EventFunc func(*models.RuntimeEvent)

// Manager owns the lifecycle of all configured clients and routes tool
// invocations by name through the aggregated catalog.
type Manager struct {
	config *Config
	logger *slog.Logger
	emit   EventFunc

	mu            sync.RWMutex
	clients       map[string]*Client
	localInvokers map[string]LocalInvoker
	toolToServer  map[string]string
	catalog       []models.ToolDefinition
}

// LocalInvoker executes an in-process tool registered under a pseudo server
// name. It follows the same fallback-result contract as Client.InvokeTool.
type LocalInvoker func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *FallbackResult)

// NewManager creates a manager for the configured servers. No processes are
// started until Initialize.
func NewManager(cfg *Config, logger *slog.Logger, emit EventFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:       cfg,
		logger:       logger.With("component", "mcp"),
		emit:         emit,
		clients:      make(map[string]*Client),
		toolToServer: make(map[string]string),
	}
}

func (m *Manager) emitEvent(ev *models.RuntimeEvent) {
	if m.emit != nil {
		m.emit(ev)
	}
}

// Initialize starts every configured server in parallel. A failing subset
// does not fail the manager; failures are reported through status events.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("mcp disabled")
		return nil
	}

	m.emitEvent(&models.RuntimeEvent{Type: models.EventServerInitStarted})

	var wg sync.WaitGroup
	for _, serverCfg := range m.config.Servers {
		wg.Add(1)
		go func(cfg *ServerConfig) {
			defer wg.Done()
			m.startServer(ctx, cfg)
		}(serverCfg)
	}
	wg.Wait()

	m.rebuildCatalog(ctx)
	return nil
}

func (m *Manager) startServer(ctx context.Context, cfg *ServerConfig) {
	if err := cfg.Validate(); err != nil {
		m.logger.Error("invalid server config", "server", cfg.Name, "error", err)
		m.emitEvent(models.NewToolEvent(models.EventServerStatusUpdated, "", "").
			WithMeta("server", cfg.Name).
			WithMeta("status", "error").
			WithMeta("error", err.Error()))
		return
	}

	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		m.logger.Error("failed to connect to tool provider", "server", cfg.Name, "error", err)
		m.emitEvent(models.NewToolEvent(models.EventServerStatusUpdated, "", "").
			WithMeta("server", cfg.Name).
			WithMeta("status", "error").
			WithMeta("error", err.Error()))
		return
	}

	tools := client.ListTools(ctx)

	m.mu.Lock()
	m.clients[cfg.Name] = client
	m.mu.Unlock()

	m.emitEvent(models.NewToolEvent(models.EventServerInitialized, "", "").
		WithMeta("server", cfg.Name).
		WithMeta("tool_count", len(tools)))
	m.emitEvent(models.NewToolEvent(models.EventServerStatusUpdated, "", "").
		WithMeta("server", cfg.Name).
		WithMeta("status", "connected"))
}

// rebuildCatalog refreshes the aggregated tool catalog. Duplicate names are
// resolved last-writer-wins with a warning.
func (m *Manager) rebuildCatalog(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	toolToServer := make(map[string]string)
	byName := make(map[string]models.ToolDefinition)
	var order []string

	for _, client := range clients {
		for _, def := range client.ListTools(ctx) {
			if prev, ok := toolToServer[def.Name]; ok && prev != def.ServerName {
				m.logger.Warn("duplicate tool name, last writer wins",
					"tool", def.Name,
					"previous", prev,
					"winner", def.ServerName)
			} else if !ok {
				order = append(order, def.Name)
			}
			toolToServer[def.Name] = def.ServerName
			byName[def.Name] = def
		}
	}

	catalog := make([]models.ToolDefinition, 0, len(order))
	for _, name := range order {
		catalog = append(catalog, byName[name])
	}

	m.mu.Lock()
	m.toolToServer = toolToServer
	m.catalog = catalog
	m.mu.Unlock()
}

// RegisterLocalTools adds in-process tool definitions to the catalog under
// a pseudo server name so they route like provider tools.
func (m *Manager) RegisterLocalTools(serverName string, defs []models.ToolDefinition, invoke LocalInvoker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localInvokers == nil {
		m.localInvokers = make(map[string]LocalInvoker)
	}
	m.localInvokers[serverName] = invoke
	for _, def := range defs {
		def.ServerName = serverName
		if _, dup := m.toolToServer[def.Name]; dup {
			m.logger.Warn("duplicate tool name, last writer wins",
				"tool", def.Name, "winner", serverName)
		} else {
			m.catalog = append(m.catalog, def)
		}
		m.toolToServer[def.Name] = serverName
	}
}

// ListTools returns the aggregated catalog snapshot.
func (m *Manager) ListTools() []models.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ToolDefinition, len(m.catalog))
	copy(out, m.catalog)
	return out
}

// InvokeTool routes a call to the owning server. Unknown tools fall back to
// the configured default server; with no default a fallback result is
// produced.
func (m *Manager) InvokeTool(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *FallbackResult) {
	m.mu.RLock()
	serverName, known := m.toolToServer[toolName]
	if !known {
		serverName = m.config.DefaultServer
	}
	client := m.clients[serverName]
	local := m.localInvokers[serverName]
	m.mu.RUnlock()

	if !known && serverName == "" {
		return nil, Fallback(toolName, fmt.Sprintf("tool %q not found in catalog", toolName), false)
	}
	if local != nil {
		return local(ctx, toolName, args)
	}
	if client == nil {
		return nil, Fallback(toolName, fmt.Sprintf("server %q not connected", serverName), true)
	}
	return client.InvokeTool(ctx, toolName, args)
}

// RestartServer tears down and re-initializes a single client.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.Name == name {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", name)
	}

	m.mu.Lock()
	client := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	if client != nil {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect during restart failed", "server", name, "error", err)
		}
	}

	m.startServer(ctx, serverCfg)
	m.rebuildCatalog(ctx)
	return nil
}

// Stop disconnects every client.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for name, client := range clients {
		if err := client.Disconnect(ctx); err != nil {
			m.logger.Error("failed to close client", "server", name, "error", err)
		}
	}
}

// ServerStatus reports one configured server's state.
type ServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Tools     int    `json:"tools"`
}

// Status returns the state of every configured server. Queryable at any
// point during or after initialization.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	if m.config == nil {
		return statuses
	}
	for _, cfg := range m.config.Servers {
		status := ServerStatus{Name: cfg.Name}
		if client, ok := m.clients[cfg.Name]; ok {
			status.Connected = client.Connected()
			for _, server := range m.toolToServer {
				if server == cfg.Name {
					status.Tools++
				}
			}
		}
		statuses = append(statuses, status)
	}
	return statuses
}
