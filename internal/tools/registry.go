// Package tools provides the in-process tool registry surfaced through the
// same catalog as external tool providers, under the "builtin" server name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/outerloop/agents/internal/mcp"
	"github.com/outerloop/agents/pkg/models"
)

// ServerName is the pseudo server name for in-process tools.
const ServerName = "builtin"

// Tool is one in-process tool implementation.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Category() models.ToolCategory
	Destructive() bool
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Registry holds the builtin tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; later registrations with the same name replace
// earlier ones.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns catalog entries for every registered tool, in stable
// name order.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, models.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
			ServerName:  ServerName,
			Category:    tool.Category(),
			Destructive: tool.Destructive(),
		})
	}
	return defs
}

// Invoke executes a registered tool following the MCP fallback contract.
func (r *Registry) Invoke(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, *mcp.FallbackResult) {
	tool, ok := r.Get(toolName)
	if !ok {
		return nil, mcp.Fallback(toolName, fmt.Sprintf("builtin tool %q not found", toolName), false)
	}
	result, err := tool.Execute(ctx, args)
	if err != nil {
		return nil, mcp.Fallback(toolName, err.Error(), true)
	}
	return result, nil
}

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func textResult(text string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
	return payload
}
