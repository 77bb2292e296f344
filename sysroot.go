package stratum

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	vfs "github.com/twpayne/go-vfs/v4"

	"github.com/aweris/stratum/internal/checkout"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/registry"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
	"github.com/aweris/stratum/internal/txn"
)

// Sysroot is an open stratum installation.
//
// Layout:
//
//	<path>/
//	  repo/       content store (objects, refs, config.json)
//	  repo/txn/   scratch directories of running transactions
//	  state/      deployment registry and its lock
//	  deploy/     checkouts, when enabled
type Sysroot struct {
	path     string
	opts     *OpenOptions
	store    *store.LocalStore
	registry *registry.Registry
	checkout *checkout.Checkout
	logger   zerolog.Logger
}

// Open creates or opens the sysroot at path.
func Open(path string, opts ...OpenOption) (*Sysroot, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	if options.PackageManager == nil {
		// An empty catalog fails every request with a ResolutionError.
		empty, _ := pkgmgr.NewCatalog()
		options.PackageManager = empty
	}

	s, err := store.NewLocalStore(filepath.Join(path, "repo"), store.Options{
		Algorithm:        options.Algorithm,
		Compression:      options.Compression,
		CompressionLevel: options.CompressionLevel,
		CacheSize:        options.CacheSize,
		Concurrency:      options.Concurrency,
	})
	if err != nil {
		return nil, wrapIO("open repository", err)
	}

	reg, err := registry.Open(filepath.Join(path, "state"))
	if err != nil {
		s.Close()
		return nil, wrapIO("open registry", err)
	}

	sys := &Sysroot{
		path:     path,
		opts:     options,
		store:    s,
		registry: reg,
		logger:   options.Logger,
	}

	if options.Checkout {
		if err := os.MkdirAll(sys.deployDir(), 0o755); err != nil {
			s.Close()
			return nil, wrapIO("create deploy dir", err)
		}
		sys.checkout = checkout.New(vfs.OSFS, s, checkout.WithLogger(options.Logger))
	}

	sys.logger.Debug().
		Str("sysroot", path).
		Str("digest", string(s.Algorithm())).
		Bool("checkout", options.Checkout).
		Msg("sysroot opened")

	if err := sys.recoverInterrupted(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return sys, nil
}

func (s *Sysroot) scratchDir() string { return filepath.Join(s.store.Path(), "txn") }

// recoverInterrupted runs Recover when transactions left scratch
// directories behind. A held lock means one is still running.
func (s *Sysroot) recoverInterrupted(ctx context.Context) error {
	entries, err := os.ReadDir(s.scratchDir())
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(entries) == 0) {
		return nil
	}
	if err != nil {
		return wrapIO("list scratch dirs", err)
	}

	res, err := s.Recover(ctx)
	switch {
	case errors.Is(err, ErrLocked):
		s.logger.Debug().Msg("transaction in progress, skipping recovery")
		return nil
	case err != nil:
		return err
	}
	s.logger.Info().
		Int("interrupted", len(res.Interrupted)).
		Int("swept", res.GC.Swept).
		Msg("recovered interrupted transactions")
	return nil
}

// Path returns the sysroot directory.
func (s *Sysroot) Path() string { return s.path }

// Algorithm returns the digest algorithm of the repository.
func (s *Sysroot) Algorithm() digest.Algorithm { return s.store.Algorithm() }

func (s *Sysroot) Close() error {
	return s.store.Close()
}

func (s *Sysroot) deployDir() string { return filepath.Join(s.path, "deploy") }

// layerOptions overrides the sysroot defaults for one compose.
type layerOptions struct {
	allowlist []string
	collision layering.CollisionPolicy
}

func (s *Sysroot) defaultLayerOptions() layerOptions {
	return layerOptions{allowlist: s.opts.Allowlist, collision: s.opts.Collision}
}

func (s *Sysroot) manager(lo layerOptions, extra ...txn.Option) *txn.Manager {
	composerOpts := []tree.ComposerOption{tree.WithAllowlist(lo.allowlist...)}
	if len(lo.allowlist) == 0 {
		composerOpts = []tree.ComposerOption{tree.AllowAll()}
	}

	resolver := layering.NewResolver(s.opts.PackageManager, s.store, s.store.Algorithm(),
		layering.WithCollisionPolicy(lo.collision),
		layering.WithLogger(s.logger),
	)

	opts := []txn.Option{
		txn.WithLogger(s.logger),
		txn.WithNotifier(s.opts.Notifier),
		txn.WithNotifyRetry(s.opts.NotifyAttempts, notifyDelay),
		txn.WithGCConcurrency(s.opts.Concurrency),
	}
	if s.checkout != nil {
		opts = append(opts, txn.WithCheckout(s.checkout, s.deployDir()))
	}
	opts = append(opts, extra...)

	return txn.New(s.store, s.registry, resolver,
		tree.NewComposer(s.store, composerOpts...),
		s.scratchDir(),
		opts...,
	)
}

// ResolveCommit finds a commit by deployment reference, store ref name
// or digest (a unique prefix of a deployment commit is accepted too).
func (s *Sysroot) ResolveCommit(ctx context.Context, ref string) (digest.Digest, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnknownCommit)
	}

	if state, err := s.registry.Load(); err == nil {
		if d, err := state.Get(ref); err == nil {
			return d.Commit, nil
		}
	}

	if d, err := s.store.GetRef(ref); err == nil {
		return d, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", wrapIO("read ref", err)
	}

	if d, err := digest.Parse(ref); err == nil {
		if _, err := object.ReadCommit(ctx, s.store, d); err != nil {
			return "", fmt.Errorf("%w %s: %w", ErrUnknownCommit, ref, err)
		}
		return d, nil
	}
	return "", fmt.Errorf("%w %s", ErrUnknownCommit, ref)
}

// current returns the deployment new layering builds on: the staged one
// when present, the booted one otherwise.
func (s *Sysroot) current() (registry.Deployment, error) {
	state, err := s.registry.Load()
	if err != nil {
		return registry.Deployment{}, err
	}
	if d, ok := state.StagedDeployment(); ok {
		return d, nil
	}
	if d, ok := state.BootedDeployment(); ok {
		return d, nil
	}
	return registry.Deployment{}, ErrNoDeployment
}
