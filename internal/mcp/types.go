// Package mcp implements the client side of the stdio JSON-RPC tool-provider
// protocol: one Client per provider process, a Manager owning N clients, and
// an aggregated tool catalog routed by tool name.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ProtocolVersion is sent in the initialize handshake.
const ProtocolVersion = "2024-11-05"

// ServerConfig holds configuration for one tool-provider process.
type ServerConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate checks the server configuration for obvious injection vectors.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required for server %s", c.Name)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("server %s: %w", c.Name, err)
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return fmt.Errorf("server %s: %w", c.Name, err)
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("server %s: arg[%d] contains suspicious shell metacharacters: %q", c.Name, i, arg)
		}
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	// Only flag patterns that suggest command chaining. Spaces and quotes
	// are common in legitimate args.
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a tool definition as reported by a provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`

	// Some providers report the schema as inputSchema instead.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Schema returns whichever schema field the provider populated.
func (t *Tool) Schema() json.RawMessage {
	if len(t.Parameters) > 0 {
		return t.Parameters
	}
	return t.InputSchema
}

// FallbackResult is returned by the MCP layer in place of a thrown error.
type FallbackResult struct {
	Error    bool   `json:"error"`
	Message  string `json:"message"`
	ToolName string `json:"toolName"`
	CanRetry bool   `json:"canRetry"`
}

// Fallback builds a FallbackResult for a failed invocation.
func Fallback(toolName, message string, canRetry bool) *FallbackResult {
	return &FallbackResult{
		Error:    true,
		Message:  message,
		ToolName: toolName,
		CanRetry: canRetry,
	}
}

// JSON-RPC 2.0 wire types, newline-delimited.

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 frame without an ID.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// InitializeResult holds the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
