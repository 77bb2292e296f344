package stratum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/manifest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/registry"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/txn"
)

const notifyDelay = time.Second

type (
	// Deployment is one bootable entry in the registry.
	Deployment = registry.Deployment
	// Result describes a finalized transaction.
	Result = txn.Result
)

// DeployOptions tune one deployment transaction.
type DeployOptions struct {
	// OSName defaults to the base commit's osname, then to the sysroot's.
	OSName  string
	Subject string
	Pin     bool
	// Progress is called whenever the transaction enters a phase.
	Progress txn.ProgressFunc
}

// Deploy layers packages onto base and stages the result. No packages
// deploys the base commit itself.
func (s *Sysroot) Deploy(ctx context.Context, base digest.Digest, packages []string, o DeployOptions) (*Result, error) {
	spec, err := layering.ParseSpec(packages)
	if err != nil {
		return nil, err
	}
	return s.deploy(ctx, base, spec, o, s.defaultLayerOptions())
}

func (s *Sysroot) deploy(ctx context.Context, base digest.Digest, spec layering.Spec, o DeployOptions, lo layerOptions) (*Result, error) {
	c, err := object.ReadCommit(ctx, s.store, base)
	if err != nil {
		return nil, wrapIO("read base commit", err)
	}
	// A layered commit is never a base; build on the one it was layered onto.
	if c.Layered() {
		base = c.Base
	}

	osname := o.OSName
	if osname == "" {
		osname = c.OSName
	}
	if osname == "" {
		osname = s.opts.OSName
	}

	var extra []txn.Option
	if o.Progress != nil {
		extra = append(extra, txn.WithProgress(o.Progress))
	}

	res, err := s.manager(lo, extra...).Run(ctx, txn.Request{
		OSName:  osname,
		Base:    base,
		Spec:    spec,
		Subject: o.Subject,
		Pin:     o.Pin,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range res.Warnings {
		s.logger.Warn().Err(w).Str("deployment", res.Deployment.ID).Msg("deployment staged with warnings")
	}
	return res, nil
}

// Compose builds and stages the deployment a manifest describes. The
// base is taken from the store, fetched or imported first.
func (s *Sysroot) Compose(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	lo := s.defaultLayerOptions()
	if len(m.Allowlist) > 0 {
		lo.allowlist = m.Allowlist
	}
	if m.Collision != "" {
		p, err := layering.ParseCollisionPolicy(m.Collision)
		if err != nil {
			return nil, err
		}
		lo.collision = p
	}

	spec, err := layering.ParseSpec(m.Packages)
	if err != nil {
		return nil, err
	}

	co := CommitOptions{OSName: m.OSName, Subject: m.Subject}
	var base digest.Digest
	switch {
	case m.Base.Ref != "":
		base, err = s.ResolveCommit(ctx, m.Base.Ref)
	case m.Base.Image != "":
		var imported *Imported
		if imported, err = s.Fetch(ctx, m.Base.Image, co); err == nil {
			base = imported.Commit
		}
	case m.Base.Dir != "":
		var imported *Imported
		if imported, err = s.Import(ctx, m.Base.Dir, co); err == nil {
			base = imported.Commit
		}
	}
	if err != nil {
		return nil, err
	}

	return s.deploy(ctx, base, spec, DeployOptions{OSName: m.OSName, Subject: m.Subject}, lo)
}

// UpgradeOptions selects where the new base comes from. Without an
// image the newest local base commit of the osname is used.
type UpgradeOptions struct {
	Image    string
	Progress txn.ProgressFunc
}

// Upgrade re-layers the current deployment's packages onto a newer
// base. It returns ErrNothingToDo when the base did not change.
func (s *Sysroot) Upgrade(ctx context.Context, o UpgradeOptions) (*Result, error) {
	cur, err := s.current()
	if err != nil {
		return nil, err
	}

	var base digest.Digest
	if o.Image != "" {
		imported, err := s.Fetch(ctx, o.Image, CommitOptions{OSName: cur.OSName})
		if err != nil {
			return nil, err
		}
		base = imported.Commit
	} else {
		base, err = s.store.GetRef(txn.BaseRef(cur.OSName))
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w for %s", ErrNoBase, cur.OSName)
		} else if err != nil {
			return nil, wrapIO("read ref", err)
		}
	}

	if base == cur.BaseCommit {
		return nil, ErrNothingToDo
	}

	spec, err := layering.ParseSpec(cur.Spec)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("from", cur.BaseCommit.Short()).
		Str("to", base.Short()).
		Strs("spec", cur.Spec).
		Msg("upgrading")
	return s.deploy(ctx, base, spec, DeployOptions{OSName: cur.OSName, Progress: o.Progress}, s.defaultLayerOptions())
}

// Install adds packages to the current deployment's spec and stages the
// rebuilt deployment.
func (s *Sysroot) Install(ctx context.Context, packages ...string) (*Result, error) {
	cur, err := s.current()
	if err != nil {
		return nil, err
	}

	spec, err := layering.ParseSpec(cur.Spec)
	if err != nil {
		return nil, err
	}
	reqs, err := pkgmgr.ParseRequests(packages)
	if err != nil {
		return nil, err
	}

	next, changed := spec.With(reqs...)
	if len(changed) == 0 {
		return nil, ErrNothingToDo
	}
	return s.deploy(ctx, cur.BaseCommit, next, DeployOptions{OSName: cur.OSName}, s.defaultLayerOptions())
}

// Uninstall removes layered packages from the current deployment's spec.
// Packages that are not layered are an error wrapping ErrNotLayered.
func (s *Sysroot) Uninstall(ctx context.Context, names ...string) (*Result, error) {
	if len(names) == 0 {
		return nil, ErrNothingToDo
	}

	cur, err := s.current()
	if err != nil {
		return nil, err
	}

	spec, err := layering.ParseSpec(cur.Spec)
	if err != nil {
		return nil, err
	}
	next, err := spec.Without(names...)
	if err != nil {
		return nil, err
	}
	return s.deploy(ctx, cur.BaseCommit, next, DeployOptions{OSName: cur.OSName}, s.defaultLayerOptions())
}

// Rollback makes ref the default deployment. An empty ref selects the
// previous one. No objects are written.
func (s *Sysroot) Rollback(ctx context.Context, ref string) (Deployment, error) {
	m := s.manager(s.defaultLayerOptions())

	var target Deployment
	state, err := m.Modify(func(st *registry.State) error {
		var err error
		target, err = st.Rollback(ref)
		return err
	})
	if err != nil {
		return Deployment{}, err
	}

	s.logger.Info().Str("deployment", target.ID).Uint64("generation", state.Generation).Msg("rolled back")
	s.notify(ctx, m, target)
	return target, nil
}

// Activate marks the staged deployment booted, as a reboot into it would.
func (s *Sysroot) Activate(ctx context.Context) (Deployment, error) {
	var booted Deployment
	_, err := s.manager(s.defaultLayerOptions()).Modify(func(st *registry.State) error {
		var err error
		booted, err = st.Activate()
		return err
	})
	if err != nil {
		return Deployment{}, err
	}
	s.logger.Info().Str("deployment", booted.ID).Msg("deployment activated")
	return booted, nil
}

// Pin protects a deployment from Prune.
func (s *Sysroot) Pin(ctx context.Context, ref string) (Deployment, error) {
	return s.setPinned(ref, true)
}

// Unpin makes a deployment prunable again.
func (s *Sysroot) Unpin(ctx context.Context, ref string) (Deployment, error) {
	return s.setPinned(ref, false)
}

func (s *Sysroot) setPinned(ref string, pinned bool) (Deployment, error) {
	var d Deployment
	_, err := s.manager(s.defaultLayerOptions()).Modify(func(st *registry.State) error {
		var err error
		d, err = st.SetPinned(ref, pinned)
		return err
	})
	if err != nil {
		return Deployment{}, err
	}
	s.logger.Info().Str("deployment", d.ID).Bool("pinned", pinned).Msg("pin updated")
	return d, nil
}

// notify tells the boot loader about a new default. The registry already
// changed, so failures are only logged.
func (s *Sysroot) notify(ctx context.Context, m *txn.Manager, d Deployment) {
	if err := m.Notify(ctx, d); err != nil {
		s.logger.Warn().Err(err).Str("deployment", d.ID).Msg("boot loader was not updated")
	}
}
