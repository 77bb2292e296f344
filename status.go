package stratum

import (
	"context"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
)

// DeploymentStatus is a deployment with its role in the registry.
type DeploymentStatus struct {
	Deployment
	Index  int
	Booted bool
	Staged bool
}

// Status is a snapshot of the registry and the store.
type Status struct {
	Generation  uint64
	Deployments []DeploymentStatus
	Refs        map[string]digest.Digest
	Objects     int
	Bytes       int64
}

// Status reads the last durable registry state without locking.
func (s *Sysroot) Status(ctx context.Context) (*Status, error) {
	state, err := s.registry.Load()
	if err != nil {
		return nil, err
	}

	st := &Status{Generation: state.Generation}
	for i, d := range state.Deployments {
		st.Deployments = append(st.Deployments, DeploymentStatus{
			Deployment: d,
			Index:      i,
			Booted:     d.ID == state.Booted,
			Staged:     d.ID == state.Staged,
		})
	}

	if st.Refs, err = s.store.ListRefs(); err != nil {
		return nil, wrapIO("list refs", err)
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, wrapIO("store stats", err)
	}
	st.Objects, st.Bytes = stats.Objects, stats.Bytes
	return st, nil
}

// List returns the deployments in boot order.
func (s *Sysroot) List() ([]Deployment, error) {
	return s.registry.List()
}

// Get finds a deployment by id, index or commit prefix.
func (s *Sysroot) Get(ref string) (Deployment, error) {
	state, err := s.registry.Load()
	if err != nil {
		return Deployment{}, err
	}
	return state.Get(ref)
}

// HistoryEntry is one commit of a linear history.
type HistoryEntry struct {
	Digest digest.Digest
	*object.Commit
}

// History walks parents from the commit ref names, newest first. A limit
// of 0 walks until the first pruned parent.
func (s *Sysroot) History(ctx context.Context, ref string, limit int) ([]HistoryEntry, error) {
	head, err := s.ResolveCommit(ctx, ref)
	if err != nil {
		return nil, err
	}

	ids, commits, err := object.History(ctx, s.store, head, limit)
	if err != nil {
		return nil, wrapIO("history", err)
	}

	out := make([]HistoryEntry, len(ids))
	for i := range ids {
		out[i] = HistoryEntry{Digest: ids[i], Commit: commits[i]}
	}
	return out, nil
}
