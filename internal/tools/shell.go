package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/outerloop/agents/pkg/models"
)

// defaultShellTimeout bounds a shell invocation when the caller does not.
const defaultShellTimeout = 30 * time.Second

// ShellTool runs a command through /bin/sh, restricted to an allow-list of
// leading binaries. An empty allow-list permits everything.
type ShellTool struct {
	allowedCommands []string
}

// NewShellTool creates the shell tool.
func NewShellTool(allowedCommands []string) *ShellTool {
	return &ShellTool{allowedCommands: allowedCommands}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command and capture its output." }
func (t *ShellTool) Destructive() bool   { return true }

func (t *ShellTool) Category() models.ToolCategory { return models.CategoryShell }

func (t *ShellTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to execute."},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (default 30).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	})
}

func (t *ShellTool) allowed(command string) bool {
	if len(t.allowedCommands) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	head := fields[0]
	for _, allowed := range t.allowedCommands {
		if head == allowed {
			return true
		}
	}
	return false
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if !t.allowed(command) {
		return nil, fmt.Errorf("command %q is not in the allow-list", strings.Fields(command)[0])
	}

	timeout := defaultShellTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}
	if runCtx.Err() != nil {
		return nil, fmt.Errorf("command timed out after %v", timeout)
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, err
		}
	}
	payload, _ := json.Marshal(output)
	return payload, nil
}
