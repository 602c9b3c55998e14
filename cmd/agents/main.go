// Package main provides the CLI entry point for the agents runtime.
//
// agents drives autonomous coding sessions against an LLM provider
// (Anthropic, OpenAI, or an OpenAI-compatible local endpoint) with tool
// execution through built-in tools and MCP servers.
//
// # Basic Usage
//
// Initialize the project state directory:
//
//	agents init
//
// Run a single prompt to completion:
//
//	agents auto "add a retry wrapper around the fetcher"
//
// Decompose a complex request into an execution plan and run it:
//
//	agents task "fix the login bug and update the tests"
//
// # Environment Variables
//
//   - AGENTS_PROVIDER: anthropic (default), openai, or local
//   - AGENTS_API_KEY: provider API key (falls back to ANTHROPIC_API_KEY
//     or OPENAI_API_KEY)
//   - AGENTS_MODEL: model override
//   - AGENTS_LOCAL_ENDPOINT: base URL for the local provider
//   - AGENTS_LOG_LEVEL, AGENTS_LOG_DIR, AGENTS_SILENT: logging controls
//   - AGENTS_MCP_ENABLED: set to false to skip MCP server startup
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPath string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agents",
		Short: "agents - autonomous coding agent runtime",
		Long: `agents runs autonomous coding sessions: it decomposes requests into
tasks, matches them to agent presets, and executes them against an LLM
provider with parallel tool scheduling over built-in and MCP tools.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to agents.yaml (default: .agents/agents.yaml)")

	rootCmd.AddCommand(
		buildInitCmd(),
		buildAutoCmd(),
		buildTaskCmd(),
		buildReplCmd(),
		buildWatchCmd(),
		buildStatusCmd(),
		buildSessionCmd(),
	)
	return rootCmd
}
