// Package stratum manages bootable deployments of an immutable OS built
// from a content-addressed repository of filesystem trees.
//
// A base commit is imported from a directory, a tar stream or an OCI
// image. Packages are layered on top of it through a package manager,
// and the result is committed and registered as the staged deployment.
// Rollback, pin, unpin and prune only touch the deployment registry.
// Objects no deployment reaches are collected afterwards.
//
// Open recovers from transactions a crash interrupted before they
// registered their deployment: their scratch state and the objects only
// they wrote are removed.
//
// Basic usage:
//
//	sys, _ := stratum.Open("/var/lib/stratum", stratum.WithOSName("arch"))
//	defer sys.Close()
//
//	// Commit a root filesystem as the base
//	base, _ := sys.Import(ctx, "/mnt/rootfs", stratum.CommitOptions{})
//
//	// Deploy it, then layer a package on top
//	sys.Deploy(ctx, base.Commit, nil, stratum.DeployOptions{})
//	res, _ := sys.Install(ctx, "vim")
//	fmt.Println(res.Deployment.ID, "staged")
//
//	// Inspect and move between deployments
//	status, _ := sys.Status(ctx)
//	sys.Rollback(ctx, "")
//	sys.Prune(ctx, 2)
//
// With a remote:
//
//	base, _ := sys.Fetch(ctx, "ghcr.io/acme/os:stable", stratum.CommitOptions{})
//	sys.Export(ctx, base.Commit.String(), "ghcr.io/acme/os:mine")
package stratum
