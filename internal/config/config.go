// Package config loads the runtime configuration: a YAML file with
// environment-variable expansion, overlaid by AGENTS_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/outerloop/agents/internal/mcp"
)

// StateDirName is the per-project state directory.
const StateDirName = ".agents"

// Config is the root configuration.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	MCP       MCPConfig       `yaml:"mcp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Memory    MemoryConfig    `yaml:"memory"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ProviderConfig struct {
	// Provider is anthropic, openai, or local.
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Endpoint     string `yaml:"endpoint"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type MCPConfig struct {
	Enabled *bool              `yaml:"enabled"`
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// On reports whether MCP servers should be started. Defaults to true.
func (c MCPConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

type SchedulerConfig struct {
	MaxParallel int           `yaml:"max_parallel"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// ApprovalMode is auto, interactive, or destructive-only.
	ApprovalMode string `yaml:"approval_mode"`
}

type EngineConfig struct {
	MaxIterations        int `yaml:"max_iterations"`
	CompressionThreshold int `yaml:"compression_threshold"`
}

type SessionsConfig struct {
	Dir            string `yaml:"dir"`
	MaxHistorySize int    `yaml:"max_history_size"`
	MaxAgeDays     int    `yaml:"max_age_days"`
}

type MemoryConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether persistent memory is enabled. Defaults to true.
func (c MemoryConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

type ToolsConfig struct {
	// Roots are the directories file tools may touch. Empty means the
	// working directory.
	Roots []string `yaml:"roots"`
	// AllowedCommands restricts the shell tool; empty permits everything.
	AllowedCommands []string `yaml:"allowed_commands"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"`
	Silent bool   `yaml:"silent"`
}

type MetricsConfig struct {
	// Addr serves Prometheus metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// LoadEnvFiles loads .env files, closest first so project-local values win.
// Missing files are not an error.
func LoadEnvFiles() {
	for _, path := range []string{filepath.Join(StateDirName, ".env"), ".env"} {
		_ = godotenv.Load(path)
	}
}

// FindConfig returns the first config file that exists among the default
// locations, or empty when none does.
func FindConfig() string {
	candidates := []string{
		filepath.Join(StateDirName, "agents.yaml"),
		"agents.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, StateDirName, "agents.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads a config file, expands ${VAR} references, applies environment
// overrides and defaults, and validates the result. An empty path yields
// the defaults plus environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Provider.Provider, "AGENTS_PROVIDER")
	setString(&cfg.Provider.APIKey, "AGENTS_API_KEY")
	setString(&cfg.Provider.Model, "AGENTS_MODEL")
	setString(&cfg.Provider.Endpoint, "AGENTS_LOCAL_ENDPOINT")
	setString(&cfg.Provider.SystemPrompt, "AGENTS_SYSTEM_PROMPT")
	setString(&cfg.Logging.Level, "AGENTS_LOG_LEVEL")
	setString(&cfg.Logging.Dir, "AGENTS_LOG_DIR")
	if v, ok := lookupBool("AGENTS_SILENT"); ok {
		cfg.Logging.Silent = v
	}
	if v, ok := lookupBool("AGENTS_MCP_ENABLED"); ok {
		cfg.MCP.Enabled = &v
	}

	// Provider-specific key fallbacks when AGENTS_API_KEY is unset.
	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Provider {
		case "openai":
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		case "", "anthropic":
			cfg.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Provider.Provider == "" {
		cfg.Provider.Provider = "anthropic"
	}
	if cfg.Scheduler.MaxParallel == 0 {
		cfg.Scheduler.MaxParallel = 5
	}
	if cfg.Scheduler.CallTimeout == 0 {
		cfg.Scheduler.CallTimeout = 30 * time.Second
	}
	if cfg.Scheduler.ApprovalMode == "" {
		cfg.Scheduler.ApprovalMode = "auto"
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 30
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(StateDirName, "sessions")
	}
	if cfg.Sessions.MaxHistorySize == 0 {
		cfg.Sessions.MaxHistorySize = 100
	}
	if cfg.Sessions.MaxAgeDays == 0 {
		cfg.Sessions.MaxAgeDays = 30
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = filepath.Join(StateDirName, "memory.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = filepath.Join(StateDirName, "logs")
	}
}

func (c *Config) validate() error {
	switch c.Provider.Provider {
	case "anthropic", "openai", "local":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Provider)
	}
	if c.Provider.Provider == "local" && c.Provider.Endpoint == "" {
		return fmt.Errorf("provider local requires an endpoint")
	}
	switch c.Scheduler.ApprovalMode {
	case "auto", "interactive", "destructive-only":
	default:
		return fmt.Errorf("unknown approval mode %q", c.Scheduler.ApprovalMode)
	}

	names := make(map[string]bool, len(c.MCP.Servers))
	for i := range c.MCP.Servers {
		server := &c.MCP.Servers[i]
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp server %q: %w", server.Name, err)
		}
		if names[server.Name] {
			return fmt.Errorf("duplicate mcp server %q", server.Name)
		}
		names[server.Name] = true
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func lookupBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return false, false
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return parsed, true
}
