package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/stratum/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		info := version.Get()
		fmt.Printf("stratum %s (commit %s, %s)\n", info.Version, info.GitCommit, info.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
