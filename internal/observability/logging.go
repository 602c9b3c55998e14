// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the agents runtime.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// LogConfig configures the logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error. Default info.
	Level string

	// Format selects the console handler: "text" or "json". Default text.
	Format string

	// Silent suppresses console output entirely. The file mirror still
	// writes when Dir is set.
	Silent bool

	// Dir, when set, mirrors every record as JSON lines into a timestamped
	// file under it, typically .agents/logs.
	Dir string

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are additional regexes scrubbed from messages and
	// string attribute values.
	RedactPatterns []string
}

// defaultRedactPatterns scrub common secrets from log output.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?[^\s"']{8,}["']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger builds a slog.Logger per config. The returned close function
// flushes and closes the file mirror; it is safe to call when no mirror was
// opened.
func NewLogger(cfg LogConfig) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handlers []slog.Handler
	if !cfg.Silent {
		var console slog.Handler
		if strings.EqualFold(cfg.Format, "json") {
			console = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			console = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, console)
	}

	closer := func() error { return nil }
	if cfg.Dir != "" {
		file, err := openLogFile(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = file.Close
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = newMultiHandler(handlers...)
	}

	redacts := compilePatterns(append(defaultRedactPatterns, cfg.RedactPatterns...))
	return slog.New(&redactHandler{next: handler, redacts: redacts}), closer, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openLogFile creates the per-run JSONL mirror under dir.
func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("agents-console-log-%s.jsonl", time.Now().Format("2006-01-02T15-04-05"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}
