package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/stratum"
	"github.com/aweris/stratum/internal/manifest"
)

var composeCmd = &cobra.Command{
	Use:   "compose <manifest>",
	Short: "Build and stage the deployment a manifest describes",
	Long:  "Locate, fetch or import the manifest's base, layer its packages and stage the result.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompose,
}

var deployCmd = &cobra.Command{
	Use:   "deploy <commit> [packages...]",
	Short: "Stage a base commit, optionally with layered packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeploy,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Re-layer the current packages onto the newest base",
	Args:  cobra.NoArgs,
	RunE:  runUpgrade,
}

var installCmd = &cobra.Command{
	Use:   "install <package>...",
	Short: "Layer packages onto the current deployment",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>...",
	Short: "Remove layered packages from the current deployment",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUninstall,
}

func init() {
	deployCmd.Flags().String("subject", "", "commit subject")
	deployCmd.Flags().Bool("pin", false, "pin the new deployment")
	upgradeCmd.Flags().String("image", "", "fetch the new base from this image first")

	rootCmd.AddCommand(composeCmd, deployCmd, upgradeCmd, installCmd, uninstallCmd)
}

func runCompose(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Compose(cmd.Context(), m)
		return printResult(res, err)
	})
}

func runDeploy(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	pin, _ := cmd.Flags().GetBool("pin")

	return withSysroot(func(sys *stratum.Sysroot) error {
		base, err := sys.ResolveCommit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		res, err := sys.Deploy(cmd.Context(), base, args[1:], stratum.DeployOptions{
			Subject:  subject,
			Pin:      pin,
			Progress: printPhase,
		})
		return printResult(res, err)
	})
}

func runUpgrade(cmd *cobra.Command, _ []string) error {
	image, _ := cmd.Flags().GetString("image")
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Upgrade(cmd.Context(), stratum.UpgradeOptions{Image: image, Progress: printPhase})
		return printResult(res, err)
	})
}

func runInstall(cmd *cobra.Command, args []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Install(cmd.Context(), args...)
		return printResult(res, err)
	})
}

func runUninstall(cmd *cobra.Command, args []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Uninstall(cmd.Context(), args...)
		return printResult(res, err)
	})
}

func printPhase(_ context.Context, id string, phase stratum.Phase) {
	fmt.Fprintf(os.Stderr, "==> %s (%s)\n", phase, id)
}

func printResult(res *stratum.Result, err error) error {
	if errors.Is(err, stratum.ErrNothingToDo) {
		fmt.Println("No changes.")
		return nil
	}

	var perr *stratum.PhaseError
	if errors.As(err, &perr) && perr.Consistency == stratum.ConsistencyUnknown {
		fmt.Fprintln(os.Stderr, "Registry consistency unknown, verify the deployment list manually.")
	}
	if err != nil {
		return err
	}

	d := res.Deployment
	fmt.Printf("Staged %s\n", d.ID)
	fmt.Printf("  commit:   %s\n", res.Commit)
	if d.Version != "" {
		fmt.Printf("  version:  %s\n", d.Version)
	}
	if len(d.Packages) > 0 {
		fmt.Printf("  packages: %v\n", d.Packages)
	}
	fmt.Printf("  changes:  %d\n", res.Changes)
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %v\n", w)
	}
	return nil
}
