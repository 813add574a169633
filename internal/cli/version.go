package cli

import (
	"github.com/spf13/cobra"

	"github.com/rileywarren/codex-swarm/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Current()
		printField("Version", info.Version)
		printField("Commit", info.CommitHash)
		printField("Built", info.BuildDate)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
