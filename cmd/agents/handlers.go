package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/outerloop/agents/internal/config"
	"github.com/outerloop/agents/internal/engine"
	"github.com/outerloop/agents/internal/planner"
	"github.com/outerloop/agents/pkg/models"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildInitCmd creates the "init" command.
func buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the project state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, dir := range []string{
				config.StateDirName,
				filepath.Join(config.StateDirName, "agents"),
				filepath.Join(config.StateDirName, "sessions"),
				filepath.Join(config.StateDirName, "logs"),
			} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}

			path := filepath.Join(config.StateDirName, "agents.yaml")
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("%s already exists\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized %s/\n", config.StateDirName)
			fmt.Printf("Edit %s and set your provider key (or export ANTHROPIC_API_KEY).\n", path)
			return nil
		},
	}
}

const sampleConfig = `# agents configuration
provider:
  provider: anthropic
  # api_key: ${ANTHROPIC_API_KEY}
  # model: claude-sonnet-4-20250514

scheduler:
  max_parallel: 5
  call_timeout: 30s
  approval_mode: auto

mcp:
  servers: []
  # - name: filesystem
  #   command: npx
  #   args: ["-y", "@modelcontextprotocol/server-filesystem", "."]
`

// buildAutoCmd creates the "auto" command: one prompt, one engine run.
func buildAutoCmd() *cobra.Command {
	var maxIterations int
	var approve bool
	var sessionID string

	cmd := &cobra.Command{
		Use:   "auto <prompt>",
		Short: "Run a prompt to completion with the best-matching agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			prompt := strings.Join(args, " ")
			preset := r.presets.RecommendAgent(prompt)
			fmt.Printf("agent: %s\n", preset.Name)

			opts := r.engineOptions()
			if maxIterations > 0 {
				opts.MaxIterations = maxIterations
			}
			opts.RequireHumanApproval = approve
			opts.SessionID = sessionID

			result, err := r.engineFor(preset).ExecuteUntilComplete(ctx, prompt, opts)
			if err != nil {
				return err
			}
			printResult(r, result)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override the iteration cap")
	cmd.Flags().BoolVar(&approve, "approve", false, "Confirm every tool call before it runs")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume a persisted session")
	return cmd
}

// buildTaskCmd creates the "task" command: decompose, plan, execute.
func buildTaskCmd() *cobra.Command {
	var planOnly bool

	cmd := &cobra.Command{
		Use:   "task <description>",
		Short: "Decompose a request into tasks and execute the plan",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			description := strings.Join(args, " ")
			tasks := planner.DecomposeToTasks(description)
			matcher := planner.NewMatcher(r.presets.ListPresets(), r.presets.GeneralPurpose())
			plan := planner.GenerateExecutionPlan(tasks, matcher)

			printPlan(plan)
			if planOnly {
				return nil
			}

			for i, group := range plan.Groups {
				fmt.Printf("\n== group %d/%d ==\n", i+1, len(plan.Groups))
				if err := runGroup(ctx, r, group); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&planOnly, "plan-only", false, "Print the execution plan without running it")
	return cmd
}

// runGroup executes every match of one group. Parallel groups fan out; the
// run fails if any task errors.
func runGroup(ctx context.Context, r *runtime, group *models.ExecutionGroup) error {
	run := func(match *models.TaskAgentMatch) (*engine.Result, error) {
		fmt.Printf("[%s] %s\n", match.Preset.Name, match.Task.Description)
		return r.engineFor(match.Preset).ExecuteUntilComplete(ctx, match.Task.Description, r.engineOptions())
	}

	if !group.CanRunInParallel || len(group.Matches) == 1 {
		for _, match := range group.Matches {
			result, err := run(match)
			if err != nil {
				return err
			}
			printResult(r, result)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(group.Matches))
	results := make([]*engine.Result, len(group.Matches))
	for i, match := range group.Matches {
		wg.Add(1)
		go func(i int, match *models.TaskAgentMatch) {
			defer wg.Done()
			results[i], errs[i] = run(match)
		}(i, match)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return err
		}
		printResult(r, results[i])
	}
	return nil
}

func printPlan(plan *models.ExecutionPlan) {
	fmt.Printf("plan: %d task(s) across %d group(s), %d agent(s)\n",
		countMatches(plan), len(plan.Groups), plan.TotalAgents)
	for i, group := range plan.Groups {
		mode := "sequential"
		if group.CanRunInParallel {
			mode = "parallel"
		}
		fmt.Printf("  group %d (%s):\n", i+1, mode)
		for _, match := range group.Matches {
			fmt.Printf("    - [%s] %s (confidence %.2f)\n",
				match.Preset.Name, match.Task.Description, match.Confidence)
		}
	}
	for _, diag := range plan.Diagnostics {
		fmt.Printf("  note: %s\n", diag)
	}
}

func countMatches(plan *models.ExecutionPlan) int {
	n := 0
	for _, group := range plan.Groups {
		n += len(group.Matches)
	}
	return n
}

func printResult(r *runtime, result *engine.Result) {
	r.metrics.EngineIterations.WithLabelValues(result.CompletionReason).Add(float64(result.Iterations))
	fmt.Printf("\n%s (%d iteration(s))\n", result.CompletionReason, result.Iterations)
	if result.FinalResult != "" {
		fmt.Println(result.FinalResult)
	}
}

// buildReplCmd creates the "repl" command: an interactive session sharing
// one engine and session store.
func buildReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			eng := r.engineFor(nil)
			fmt.Println("agents repl - /exit to quit, /status for runtime state")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":
					continue
				case line == "/exit" || line == "/quit":
					return nil
				case line == "/status":
					printStatus(r)
					continue
				case line == "/tools":
					for _, def := range r.manager.ListTools() {
						fmt.Printf("  %s (%s) - %s\n", def.Name, def.ServerName, def.Description)
					}
					continue
				}

				result, err := eng.ExecuteUntilComplete(ctx, line, r.engineOptions())
				if err != nil {
					fmt.Printf("error: %v\n", err)
					continue
				}
				printResult(r, result)
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
}

// buildWatchCmd creates the "watch" command: rerun a prompt when files
// under a path change.
func buildWatchCmd() *cobra.Command {
	var prompt string
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Watch a directory and run a prompt on changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(args[0]); err != nil {
				return err
			}

			fmt.Printf("watching %s\n", args[0])
			var timer *time.Timer
			pending := make(map[string]bool)
			fire := make(chan struct{}, 1)

			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-watcher.Errors:
					r.logger.Warn("watch error", "error", err)
				case ev := <-watcher.Events:
					if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					pending[ev.Name] = true
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(debounce, func() {
						select {
						case fire <- struct{}{}:
						default:
						}
					})
				case <-fire:
					changed := make([]string, 0, len(pending))
					for name := range pending {
						changed = append(changed, name)
					}
					pending = make(map[string]bool)

					turn := fmt.Sprintf("%s\n\nChanged files: %s", prompt, strings.Join(changed, ", "))
					result, err := r.engineFor(nil).ExecuteUntilComplete(ctx, turn, r.engineOptions())
					if err != nil {
						fmt.Printf("error: %v\n", err)
						continue
					}
					printResult(r, result)
				}
			}
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "Review the changed files and fix any problems you find.", "Prompt to run on changes")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period before a run")
	return cmd
}

// buildStatusCmd creates the "status" command.
func buildStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)
			printStatus(r)
			return nil
		},
	}
}

func printStatus(r *runtime) {
	fmt.Printf("provider: %s\n", r.provider.Name())
	fmt.Printf("presets:  %d\n", len(r.presets.ListPresets()))
	fmt.Printf("tools:    %d\n", len(r.manager.ListTools()))
	for _, status := range r.manager.Status() {
		state := "down"
		if status.Connected {
			state = "up"
		}
		fmt.Printf("  server %s: %s (%d tools)\n", status.Name, state, status.Tools)
	}
	if stats, err := r.memory.GetStatistics(context.Background()); err == nil {
		fmt.Printf("memory:   %d entries, avg success %.2f\n",
			stats.TotalMemories, stats.AverageSuccessRate)
	}
}

// buildSessionCmd creates the "session" command group.
func buildSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(buildSessionListCmd(), buildSessionViewCmd(),
		buildSessionRestoreCmd(), buildSessionCurrentCmd())
	return cmd
}

func buildSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			list, err := r.sessions.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, session := range list {
				marker := ""
				if session.Compressed {
					marker = " [compressed]"
				}
				fmt.Printf("%s  %s  %d msg, %d tokens%s\n",
					session.ID, session.StartTime.Format(time.RFC3339),
					session.MessageCount, session.TokenCount, marker)
			}
			return nil
		},
	}
}

func buildSessionViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <session-id>",
		Short: "Print the history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			if _, err := r.sessions.Restore(args[0]); err != nil {
				return err
			}
			for _, msg := range r.sessions.LoadHistory() {
				content := msg.Content
				if len(content) > 200 {
					content = content[:200] + "..."
				}
				fmt.Printf("[%s] %s\n", msg.Role, content)
			}
			return nil
		},
	}
}

func buildSessionRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <session-id>",
		Short: "Load a session so the next run continues it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			meta, err := r.sessions.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored %s: %d messages, %d tokens\n",
				meta.ID, meta.MessageCount, meta.TokenCount)
			fmt.Printf("continue with: agents auto --session %s \"<prompt>\"\n", meta.ID)
			return nil
		},
	}
}

func buildSessionCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the most recent session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			r, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer r.close(ctx)

			list, err := r.sessions.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			latest := list[0]
			fmt.Printf("id:       %s\n", latest.ID)
			fmt.Printf("started:  %s\n", latest.StartTime.Format(time.RFC3339))
			fmt.Printf("messages: %d\n", latest.MessageCount)
			fmt.Printf("tokens:   %d\n", latest.TokenCount)
			if latest.ParentSessionID != "" {
				fmt.Printf("parent:   %s\n", latest.ParentSessionID)
			}
			return nil
		},
	}
}
