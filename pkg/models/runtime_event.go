package models

import "time"

// RuntimeEventType identifies a scheduler or manager lifecycle event.
type RuntimeEventType string

const (
	// EventToolQueued indicates a tool call entered the scheduler.
	EventToolQueued RuntimeEventType = "tool_queued"

	// EventToolAwaitingApproval indicates a call is waiting for the user.
	EventToolAwaitingApproval RuntimeEventType = "tool_awaiting_approval"

	// EventToolStarted indicates a tool has started executing.
	EventToolStarted RuntimeEventType = "tool_started"

	// EventToolOutput carries a live output chunk from an executing tool.
	EventToolOutput RuntimeEventType = "tool_output"

	// EventToolCompleted indicates a tool finished successfully.
	EventToolCompleted RuntimeEventType = "tool_completed"

	// EventToolFailed indicates a tool finished with an error.
	EventToolFailed RuntimeEventType = "tool_failed"

	// EventToolCancelled indicates a tool was cancelled before completion.
	EventToolCancelled RuntimeEventType = "tool_cancelled"

	// EventServerInitStarted indicates MCP initialization began.
	EventServerInitStarted RuntimeEventType = "initialization_started"

	// EventServerInitialized indicates one MCP server came up.
	EventServerInitialized RuntimeEventType = "server_initialized"

	// EventServerStatusUpdated reports an MCP server status change.
	EventServerStatusUpdated RuntimeEventType = "server_status_updated"
)

// RuntimeEvent is a lifecycle notification emitted by the scheduler and the
// MCP manager. Meta keys are event-specific.
type RuntimeEvent struct {
	Type      RuntimeEventType `json:"type"`
	ToolName  string           `json:"tool_name,omitempty"`
	CallID    string           `json:"call_id,omitempty"`
	Server    string           `json:"server,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// NewToolEvent builds an event for a tool call lifecycle transition.
func NewToolEvent(t RuntimeEventType, toolName, callID string) *RuntimeEvent {
	return &RuntimeEvent{
		Type:      t,
		ToolName:  toolName,
		CallID:    callID,
		Timestamp: time.Now(),
	}
}

// WithMeta attaches one metadata key to the event and returns it.
func (e *RuntimeEvent) WithMeta(key string, value any) *RuntimeEvent {
	if e.Meta == nil {
		e.Meta = make(map[string]any)
	}
	e.Meta[key] = value
	return e
}
