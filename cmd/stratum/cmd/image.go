package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/stratum"
)

var commitCmd = &cobra.Command{
	Use:   "commit <dir|tar|->",
	Short: "Commit a directory or tar archive as the new base",
	Long:  "Import a root filesystem into the repository and point <osname>/base at it. Use - to read a tar stream from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommit,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <image>",
	Short: "Fetch a base from an OCI registry",
	Long:  "Pull a native stratum image, or flatten any container image into a base commit.",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

var exportCmd = &cobra.Command{
	Use:   "export <commit> <image>",
	Short: "Push a commit as a native OCI image",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

func init() {
	for _, c := range []*cobra.Command{commitCmd, fetchCmd} {
		c.Flags().String("subject", "", "commit subject")
		c.Flags().String("version", "", "version recorded when the tree has no os-release")
	}
	rootCmd.AddCommand(commitCmd, fetchCmd, exportCmd)
}

func commitOptions(cmd *cobra.Command) stratum.CommitOptions {
	subject, _ := cmd.Flags().GetString("subject")
	version, _ := cmd.Flags().GetString("version")
	return stratum.CommitOptions{Subject: subject, Version: version}
}

func runCommit(cmd *cobra.Command, args []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		var (
			res *stratum.Imported
			err error
		)
		if args[0] == "-" {
			res, err = sys.ImportTar(cmd.Context(), os.Stdin, commitOptions(cmd))
		} else {
			res, err = sys.Import(cmd.Context(), args[0], commitOptions(cmd))
		}
		if err != nil {
			return err
		}
		printImported(res)
		return nil
	})
}

func runFetch(cmd *cobra.Command, args []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Fetch(cmd.Context(), args[0], commitOptions(cmd))
		if err != nil {
			return err
		}
		printImported(res)
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withSysroot(func(sys *stratum.Sysroot) error {
		res, err := sys.Export(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Exported %s to %s@%s (%d objects)\n", res.Commit.Short(), res.Image, res.Digest, res.Objects)
		return nil
	})
}

func printImported(res *stratum.Imported) {
	if res.Unchanged {
		fmt.Printf("%s/base unchanged at %s\n", res.OSName, res.Commit)
		return
	}
	fmt.Printf("%s/base -> %s\n", res.OSName, res.Commit)
	if res.Version != "" {
		fmt.Printf("  version: %s\n", res.Version)
	}
	fmt.Printf("  objects: %d\n", res.Objects)
}
