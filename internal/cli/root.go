package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rileywarren/codex-swarm/internal/buildinfo"
	"github.com/rileywarren/codex-swarm/internal/logging"
)

var (
	colorBold   = color.New(color.Bold).SprintFunc()
	colorDim    = color.New(color.Faint).SprintFunc()
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorBlue   = color.New(color.FgBlue).SprintFunc()
	colorWhite  = color.New(color.FgWhite).SprintFunc()

	styleBoldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	styleBoldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "codex-swarm",
	Short: "Orchestrate a swarm of codex worker agents against a git repo",
	Long: fmt.Sprintf(`  %s v%s

  Runs a supervisor agent that dispatches spawn_agent/spawn_swarm tool
  calls to a bounded pool of worker agents, each isolated in its own git
  worktree, merging their results back onto the base branch.

%s
  codex-swarm run --task "add input validation to the parser"
  codex-swarm status
  codex-swarm version

%s
  https://github.com/rileywarren/codex-swarm`,
		styleBoldCyan("codex-swarm"), buildinfo.Current().Version,
		colorBold("Getting Started:"), colorBold("More Info:")),

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().String("repo", "", "Repo path to operate on (default: $CODEX_SWARM_REPO or cwd)")
	rootCmd.PersistentFlags().String("config", "", "Path to a codex-swarm config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose (debug-level) logging")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logging.Init(verbose)
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", colorRed("Error:"), err)
		os.Exit(1)
	}
}
