package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/outerloop/agents/pkg/models"
)

// maxReadBytes caps file reads so a stray binary does not blow up a turn.
const maxReadBytes = 256 * 1024

// FileToolset exposes read_file, write_file, and list_dir rooted at an
// allow-listed set of directories.
type FileToolset struct {
	roots []string
}

// NewFileToolset creates the filesystem tools. Paths outside roots are
// rejected. An empty roots list defaults to the working directory.
func NewFileToolset(roots []string) (*FileToolset, error) {
	if len(roots) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		roots = []string{wd}
	}
	resolved := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		resolved = append(resolved, abs)
	}
	return &FileToolset{roots: resolved}, nil
}

// RegisterAll adds the filesystem tools to the registry.
func (fs *FileToolset) RegisterAll(r *Registry) {
	r.Register(&readFileTool{fs})
	r.Register(&writeFileTool{fs})
	r.Register(&listDirTool{fs})
}

// resolve validates a path against the allow-list.
func (fs *FileToolset) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for _, root := range fs.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the allowed roots", path)
}

type readFileTool struct{ fs *FileToolset }

func (t *readFileTool) Name() string        { return "read_file" }
func (t *readFileTool) Description() string { return "Read the contents of a file." }
func (t *readFileTool) Destructive() bool   { return false }

func (t *readFileTool) Category() models.ToolCategory { return models.CategoryFilesystem }

func (t *readFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to read."},
		},
		"required": []string{"path"},
	})
}

func (t *readFileTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	path, err := t.fs.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return textResult(string(data)), nil
}

type writeFileTool struct{ fs *FileToolset }

func (t *writeFileTool) Name() string        { return "write_file" }
func (t *writeFileTool) Description() string { return "Write content to a file, creating it if needed." }
func (t *writeFileTool) Destructive() bool   { return true }

func (t *writeFileTool) Category() models.ToolCategory { return models.CategoryFilesystem }

func (t *writeFileTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path to write."},
			"content": map[string]any{"type": "string", "description": "Content to write."},
		},
		"required": []string{"path", "content"},
	})
}

func (t *writeFileTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	path, err := t.fs.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)), nil
}

type listDirTool struct{ fs *FileToolset }

func (t *listDirTool) Name() string        { return "list_dir" }
func (t *listDirTool) Description() string { return "List the entries of a directory." }
func (t *listDirTool) Destructive() bool   { return false }

func (t *listDirTool) Category() models.ToolCategory { return models.CategoryFilesystem }

func (t *listDirTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory path to list."},
		},
		"required": []string{"path"},
	})
}

func (t *listDirTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	path, err := t.fs.resolve(input.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return textResult(strings.Join(names, "\n")), nil
}
