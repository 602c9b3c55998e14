package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/outerloop/agents/pkg/models"
)

// Client manages one tool-provider process. All invocation failures are
// returned as fallback results rather than errors; the only error-returning
// operation is Connect.
type Client struct {
	config    *ServerConfig
	transport *transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []*Tool
}

// NewClient creates a client for one configured server. The process is not
// started until Connect.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: newTransport(cfg, logger),
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// newClientWithTransport is used by tests to inject a pipe transport.
func newClientWithTransport(cfg *ServerConfig, t *transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    cfg,
		transport: t,
		logger:    logger.With("mcp_server", cfg.Name),
	}
}

// Connect starts the provider process and performs the protocol handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.connect(ctx); err != nil {
		return fmt.Errorf("connection-failed: %w", err)
	}
	return c.handshake(ctx)
}

func (c *Client) handshake(ctx context.Context) error {
	result, err := c.transport.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "agents",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.close()
		return fmt.Errorf("connection-failed: initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.close()
		return fmt.Errorf("connection-failed: parse initialize result: %w", err)
	}

	c.logger.Info("connected to tool provider",
		"server", c.config.Name,
		"protocol", initResult.ProtocolVersion)
	return nil
}

// Connected reports whether the provider process is still up.
func (c *Client) Connected() bool {
	return c.transport.isConnected()
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.config.Name
}

// ListTools fetches the provider's tool catalog. Returns an empty list if
// the client is not connected or the call fails.
func (c *Client) ListTools(ctx context.Context) []models.ToolDefinition {
	if !c.Connected() {
		return nil
	}

	result, err := c.transport.call(ctx, "tools/list", nil)
	if err != nil {
		c.logger.Warn("tools/list failed", "error", err)
		return nil
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		c.logger.Warn("tools/list returned malformed result", "error", err)
		return nil
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()

	defs := make([]models.ToolDefinition, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema(),
			ServerName:  c.config.Name,
			Category:    categorize(t.Name, t.Description),
		})
	}
	return defs
}

// InvokeTool calls a tool and returns the provider result verbatim. On any
// failure a fallback result is returned instead of an error; the JSON value
// is nil in that case.
func (c *Client) InvokeTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *FallbackResult) {
	if strings.TrimSpace(name) == "" {
		return nil, Fallback(name, "empty tool name", false)
	}
	if !c.Connected() {
		return nil, Fallback(name, "provider not connected", true)
	}

	params := CallToolParams{Name: name, Arguments: args}
	result, err := c.transport.call(ctx, "tools/call", params)
	if err != nil {
		canRetry := !isInvalidParams(err)
		return nil, Fallback(name, err.Error(), canRetry)
	}
	return result, nil
}

// Notifications exposes frames arriving without an id.
func (c *Client) Notifications() <-chan *Notification {
	return c.transport.notifications()
}

// Disconnect sends shutdown (best effort) and tears the process down. The
// transport waits a grace window before killing.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.Connected() {
		if _, err := c.transport.call(ctx, "shutdown", nil); err != nil {
			c.logger.Debug("shutdown request failed", "error", err)
		}
	}
	return c.transport.close()
}

func isInvalidParams(err error) bool {
	rpcErr, ok := err.(*RPCError)
	return ok && rpcErr.Code == ErrCodeInvalidParams
}

// categorize buckets a tool for selection quotas based on name hints.
func categorize(name, description string) models.ToolCategory {
	text := strings.ToLower(name + " " + description)
	switch {
	case containsAny(text, "file", "read", "write", "dir", "path", "glob"):
		return models.CategoryFilesystem
	case containsAny(text, "shell", "exec", "command", "bash", "terminal"):
		return models.CategoryShell
	case containsAny(text, "memory", "recall", "remember", "knowledge"):
		return models.CategoryMemory
	case containsAny(text, "http", "web", "fetch", "url", "search"):
		return models.CategoryWeb
	default:
		return models.CategoryOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
