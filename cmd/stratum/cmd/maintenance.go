package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/stratum"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove old deployments and the objects only they used",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove objects no deployment or ref reaches",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Clean up after interrupted transactions",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

func init() {
	pruneCmd.Flags().Int("retain", 2, "unpinned deployments to keep besides the booted one")
	viper.BindPFlag("retain", pruneCmd.Flags().Lookup("retain"))
	gcCmd.Flags().Bool("dry-run", false, "only report what would be removed")

	rootCmd.AddCommand(pruneCmd, gcCmd, recoverCmd)
}

func runPrune(cmd *cobra.Command, _ []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Prune(cmd.Context(), viper.GetInt("retain"))
		if err != nil {
			return err
		}
		for _, d := range res.Removed {
			fmt.Printf("Pruned %s\n", d.ID)
		}
		fmt.Println(res.GC)
		return nil
	})
}

func runGC(cmd *cobra.Command, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.GC(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		fmt.Println(res)
		return nil
	})
}

func runRecover(cmd *cobra.Command, _ []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Recover(cmd.Context())
		if err != nil {
			return err
		}
		for _, j := range res.Interrupted {
			fmt.Printf("Discarded transaction %s interrupted while %s\n", j.ID, j.Phase)
		}
		for _, path := range res.Checkouts {
			fmt.Printf("Removed checkout %s\n", path)
		}
		fmt.Printf("Removed %d temp files\n", res.TempFiles)
		fmt.Println(res.GC)
		return nil
	})
}
