package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/gc"
	"github.com/aweris/stratum/internal/registry"
)

// RecoverResult describes what a recovery pass cleaned up.
type RecoverResult struct {
	Interrupted []Journal
	TempFiles   int
	Checkouts   []string
	GC          gc.Result
}

// PruneResult describes a prune.
type PruneResult struct {
	Removed []registry.Deployment
	GC      gc.Result
}

// Recover cleans up after transactions that never reached the registry
// rename: their scratch directories, temp files, unregistered checkouts
// and the objects only they wrote.
func (m *Manager) Recover(ctx context.Context) (*RecoverResult, error) {
	lock, err := m.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	res := &RecoverResult{}
	var errs *multierror.Error

	entries, err := os.ReadDir(m.scratch)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("list scratch dirs: %w", err)
	}
	for _, e := range entries {
		dir := filepath.Join(m.scratch, e.Name())

		if j, err := ReadJournal(dir); err == nil {
			res.Interrupted = append(res.Interrupted, *j)
			m.logger.Warn().
				Str("txn", j.ID).
				Str("phase", string(j.Phase)).
				Str("deployment", j.Deployment).
				Msg("discarding interrupted transaction")
		} else {
			m.logger.Warn().Err(err).Str("path", dir).Msg("discarding scratch dir without journal")
		}

		if err := os.RemoveAll(dir); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}

	n, err := m.store.RemoveTemp(ctx)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("remove temp objects: %w", err))
	}
	res.TempFiles = n

	state, err := m.registry.Load()
	if err != nil {
		return nil, multierror.Append(errs, err).ErrorOrNil()
	}

	if m.checkout != nil {
		keep := make([]string, 0, len(state.Deployments))
		for _, d := range state.Deployments {
			keep = append(keep, d.ID)
		}
		removed, err := m.checkout.Clean(m.deployDir, keep)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clean checkouts: %w", err))
		}
		res.Checkouts = removed
	}

	if errs.ErrorOrNil() != nil {
		return res, errs.ErrorOrNil()
	}

	res.GC, err = m.collect(ctx, state, false)
	return res, err
}

// Prune removes unpinned, non-booted deployments beyond the retain most
// recent and collects the objects they alone referenced.
func (m *Manager) Prune(ctx context.Context, retain int) (*PruneResult, error) {
	lock, err := m.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	var removed []registry.Deployment
	state, err := m.registry.Update(func(s *registry.State) error {
		removed = s.Prune(retain)
		return nil
	})
	if err != nil {
		return nil, err
	}

	live := make(map[digest.Digest]bool, len(state.Deployments))
	for _, d := range state.Deployments {
		live[d.Commit] = true
	}

	res := &PruneResult{Removed: removed}
	for _, d := range removed {
		m.logger.Info().Str("deployment", d.ID).Msg("deployment pruned")

		// The layered ref only tracks the newest layered commit; it must
		// not keep a pruned deployment's objects alive.
		ref := LayeredRef(d.OSName)
		if cur, err := m.store.GetRef(ref); err == nil && cur == d.Commit && !live[d.Commit] {
			if err := m.store.DeleteRef(ref); err != nil {
				m.logger.Warn().Err(err).Str("ref", ref).Msg("failed to delete ref")
			}
		}

		if m.checkout != nil {
			if err := m.checkout.Remove(m.DeployPath(d.ID)); err != nil {
				m.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to remove checkout")
			}
		}
	}

	res.GC, err = m.collect(ctx, state, false)
	return res, err
}

// GC collects unreferenced objects without changing the registry.
func (m *Manager) GC(ctx context.Context, dryRun bool) (gc.Result, error) {
	lock, err := m.registry.Lock()
	if err != nil {
		return gc.Result{}, err
	}
	defer lock.Unlock()

	state, err := m.registry.Load()
	if err != nil {
		return gc.Result{}, err
	}
	return m.collect(ctx, state, dryRun)
}

// Modify applies fn to the registry under the lock. It is used for the
// metadata-only operations: rollback, pin, unpin and activate.
func (m *Manager) Modify(fn func(*registry.State) error) (*registry.State, error) {
	lock, err := m.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	return m.registry.Update(fn)
}

func (m *Manager) collect(ctx context.Context, state *registry.State, dryRun bool) (gc.Result, error) {
	roots := make([]digest.Digest, 0, 2*len(state.Deployments))
	for _, d := range state.Deployments {
		roots = append(roots, d.Commit)
		if !d.BaseCommit.IsZero() {
			roots = append(roots, d.BaseCommit)
		}
	}

	c := gc.New(m.store,
		gc.WithLogger(m.logger),
		gc.WithConcurrency(m.gcWorkers),
		gc.WithDryRun(dryRun),
	)
	return c.Collect(ctx, roots)
}
