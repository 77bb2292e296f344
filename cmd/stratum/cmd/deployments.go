package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/stratum"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [deployment]",
	Short: "Make a deployment the default, the previous one when none is given",
	Long: "Reorder the registry so the target boots next. A deployment can be named by id, " +
		"index or commit prefix. No objects are written.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

var pinCmd = &cobra.Command{
	Use:   "pin <deployment>",
	Short: "Protect a deployment from prune",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetPinned(true),
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <deployment>",
	Short: "Allow a deployment to be pruned again",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetPinned(false),
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Mark the staged deployment booted",
	Long:  "Record that the system booted into the staged deployment. Run once per boot.",
	Args:  cobra.NoArgs,
	RunE:  runActivate,
}

func init() {
	rootCmd.AddCommand(rollbackCmd, pinCmd, unpinCmd, activateCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ref := ""
	if len(args) > 0 {
		ref = args[0]
	}
	return withSysroot(func(sys *stratum.Sysroot) error {
		d, err := sys.Rollback(cmd.Context(), ref)
		if err != nil {
			return err
		}
		fmt.Printf("Default is now %s (%s)\n", d.ID, d.Commit.Short())
		return nil
	})
}

func runSetPinned(pin bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withSysroot(func(sys *stratum.Sysroot) error {
			var (
				d   stratum.Deployment
				err error
			)
			if pin {
				d, err = sys.Pin(cmd.Context(), args[0])
			} else {
				d, err = sys.Unpin(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s pinned=%t\n", d.ID, d.Pinned)
			return nil
		})
	}
}

func runActivate(cmd *cobra.Command, _ []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		d, err := sys.Activate(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Booted %s\n", d.ID)
		return nil
	})
}
