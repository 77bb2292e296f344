package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aweris/stratum"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show deployments and repository usage",
	Long:  "List deployments in boot order. * marks the booted deployment, + the staged one.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history [commit]",
	Short: "Show the commit history of a deployment, ref or digest",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 0, "number of commits to show, 0 for all")
	rootCmd.AddCommand(statusCmd, historyCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		st, err := sys.Status(cmd.Context())
		if err != nil {
			return err
		}

		if len(st.Deployments) == 0 {
			fmt.Println("(no deployments)")
		}
		for _, d := range st.Deployments {
			marker := " "
			switch {
			case d.Booted:
				marker = "*"
			case d.Staged:
				marker = "+"
			}

			fmt.Printf("%s %d %s\n", marker, d.Index, d.ID)
			fmt.Printf("    commit:  %s\n", d.Commit)
			if d.Version != "" {
				fmt.Printf("    version: %s\n", d.Version)
			}
			if len(d.Spec) > 0 {
				fmt.Printf("    layered: %s\n", strings.Join(d.Spec, " "))
			}
			if d.Pinned {
				fmt.Println("    pinned:  yes")
			}
			fmt.Printf("    created: %s (%s)\n", d.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.Time(d.CreatedAt))
		}

		fmt.Printf("\nRegistry generation %d, %d objects, %s\n", st.Generation, st.Objects, humanize.IBytes(uint64(st.Bytes)))
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withSysroot(func(sys *stratum.Sysroot) error {
		ref := "0"
		if len(args) > 0 {
			ref = args[0]
		}

		entries, err := sys.History(cmd.Context(), ref, limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("commit %s\n", e.Digest)
			fmt.Printf("  %s generation %d, %s\n", e.Origin, e.Generation, e.Time().Local().Format("2006-01-02 15:04:05"))
			if e.Subject != "" {
				fmt.Printf("  %s\n", e.Subject)
			}
			if len(e.Packages) > 0 {
				fmt.Printf("  packages: %s\n", strings.Join(e.Packages, " "))
			}
		}
		return nil
	})
}
