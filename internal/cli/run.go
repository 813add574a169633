package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rileywarren/codex-swarm/internal/eventbus"
	"github.com/rileywarren/codex-swarm/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"start"},
	Short:   "Run the supervisor against a task (inline output for CI/scripts)",
	Long: `Start the orchestrator and run the supervisor agent against a single
task description. The supervisor dispatches spawn_agent/spawn_swarm tool
calls to worker agents, each isolated in its own git worktree, until it
finishes or is interrupted.

Examples:
  codex-swarm run --task "add input validation to the parser"
  codex-swarm run --task "fix the flaky auth test" --repo ~/src/myproject`,
	RunE: runSupervisorCmd,
}

func init() {
	runCmd.Flags().String("task", "", "Task description to hand to the supervisor (required)")
	rootCmd.AddCommand(runCmd)
}

func runSupervisorCmd(cmd *cobra.Command, args []string) error {
	task, _ := cmd.Flags().GetString("task")
	task = strings.TrimSpace(task)
	if task == "" {
		return fmt.Errorf("--task is required")
	}

	repoFlag, _ := cmd.Flags().GetString("repo")
	repoPath, err := resolveRepoPath(repoFlag)
	if err != nil {
		return err
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath, nil)
	if err != nil {
		return err
	}

	o := orchestrator.New(repoPath, cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("\n  %s\n", styleBoldGreen("Received interrupt, killing the supervisor..."))
		o.KillSupervisor()
		cancel()
	}()

	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	defer o.Stop()

	fmt.Println()
	fmt.Println(styleBoldCyan("  =============================================="))
	fmt.Println(styleBoldCyan("   codex-swarm run"))
	fmt.Println(styleBoldCyan("  =============================================="))
	fmt.Println()
	printField("Repo", repoPath)
	printField("Task", task)
	printField("Max Workers", fmt.Sprintf("%d", cfg.Swarm.MaxWorkers))
	printField("Auto-Merge", fmt.Sprintf("%t", cfg.Worktree.AutoMerge))
	printField("Started", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println()
	fmt.Println(colorDim("  " + strings.Repeat("-", 46)))
	fmt.Println()

	sub := o.Subscribe()
	defer sub.Close()
	done := make(chan struct{})
	go streamEvents(sub, done)

	result := o.RunSupervisor(ctx, task)
	close(done)

	fmt.Println()
	printField("Exit Code", fmt.Sprintf("%d", result.ExitCode))
	switch {
	case result.ExitCode < 0:
		printFieldColored("Status", "timed out or failed to start", colorRed)
	case result.ExitCode == 0:
		printFieldColored("Status", "completed", colorGreen)
	default:
		printFieldColored("Status", "failed", colorRed)
	}
	printField("Cumulative Usage", fmt.Sprintf("%d input / %d output tokens", result.Usage.InputTokens, result.Usage.OutputTokens))
	fmt.Println()

	if result.ExitCode != 0 && !errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("supervisor exited with code %d", result.ExitCode)
	}
	return nil
}

// streamEvents prints bus events as they arrive, until the subscription
// is closed (by the caller's deferred sub.Close()).
func streamEvents(sub *eventbus.Subscription, done chan struct{}) {
	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		fmt.Printf("  %s %s\n", colorDim(fmt.Sprintf("[%s]", ev.Timestamp.Format("15:04:05"))), ev.EventType)
	}
}
