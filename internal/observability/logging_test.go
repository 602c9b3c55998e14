package observability

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// mirrorLines reads the JSONL mirror written under dir.
func mirrorLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one log file, found %d", len(entries))
	}
	file, err := os.Open(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		lines = append(lines, record)
	}
	return lines
}

func TestNewLogger_FileMirror(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := NewLogger(LogConfig{Silent: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("server started", "server", "filesystem")
	logger.Warn("server slow", "server", "web")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	lines := mirrorLines(t, dir)
	if len(lines) != 2 {
		t.Fatalf("mirror lines = %d, want 2", len(lines))
	}
	if lines[0]["msg"] != "server started" || lines[0]["server"] != "filesystem" {
		t.Errorf("first record = %v", lines[0])
	}
	name := func() string {
		entries, _ := os.ReadDir(dir)
		return entries[0].Name()
	}()
	if !strings.HasPrefix(name, "agents-console-log-") || !strings.HasSuffix(name, ".jsonl") {
		t.Errorf("log file name = %q", name)
	}
}

func TestNewLogger_LevelFilter(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := NewLogger(LogConfig{Silent: true, Dir: dir, Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("noise")
	logger.Info("noise")
	logger.Error("broken")
	closeLog()

	lines := mirrorLines(t, dir)
	if len(lines) != 1 || lines[0]["msg"] != "broken" {
		t.Errorf("lines = %v", lines)
	}
}

func TestNewLogger_Redaction(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := NewLogger(LogConfig{Silent: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("configured provider",
		"key", "sk-ant-REDACTED",
		"note", "api_key=super-secret-value-1234")
	closeLog()

	lines := mirrorLines(t, dir)
	record := lines[0]
	if strings.Contains(record["key"].(string), "sk-ant-") {
		t.Errorf("anthropic key leaked: %v", record["key"])
	}
	if strings.Contains(record["note"].(string), "super-secret") {
		t.Errorf("credential leaked: %v", record["note"])
	}
}

func TestNewLogger_SilentWithoutDir(t *testing.T) {
	logger, closeLog, err := NewLogger(LogConfig{Silent: true})
	if err != nil {
		t.Fatal(err)
	}
	// Must not panic or write anywhere.
	logger.Info("dropped")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG", "info": "INFO", "WARN": "WARN",
		"warning": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
