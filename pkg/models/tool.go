package models

import "encoding/json"

// ToolCategory groups tools for selection quotas.
type ToolCategory string

const (
	CategoryFilesystem ToolCategory = "filesystem"
	CategoryShell      ToolCategory = "shell"
	CategoryMemory     ToolCategory = "memory"
	CategoryWeb        ToolCategory = "web"
	CategoryOther      ToolCategory = "other"
)

// ToolDefinition describes one callable tool in the aggregated catalog.
// Name is unique across the catalog; ServerName identifies the owning
// provider ("builtin" for in-process tools).
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	ServerName  string          `json:"server_name"`
	Category    ToolCategory    `json:"category,omitempty"`
	Destructive bool            `json:"destructive,omitempty"`
}

// ToolCallRequest asks the scheduler to run one tool invocation. CallID is a
// fresh opaque token per request.
type ToolCallRequest struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}
