package stratum

import (
	"context"

	"github.com/aweris/stratum/internal/gc"
	"github.com/aweris/stratum/internal/txn"
)

type (
	GCResult      = gc.Result
	PruneResult   = txn.PruneResult
	RecoverResult = txn.RecoverResult
)

// Prune removes unpinned, non-booted deployments beyond the retain most
// recent, then collects the objects only they referenced.
func (s *Sysroot) Prune(ctx context.Context, retain int) (*PruneResult, error) {
	if retain < 0 {
		retain = 0
	}
	res, err := s.manager(s.defaultLayerOptions()).Prune(ctx, retain)
	return res, wrapIO("prune", err)
}

// GC removes objects no deployment or ref reaches.
func (s *Sysroot) GC(ctx context.Context, dryRun bool) (GCResult, error) {
	res, err := s.manager(s.defaultLayerOptions()).GC(ctx, dryRun)
	return res, wrapIO("gc", err)
}

// Recover cleans up after interrupted transactions. It is safe to run at
// any time no transaction holds the lock, typically at boot.
func (s *Sysroot) Recover(ctx context.Context) (*RecoverResult, error) {
	res, err := s.manager(s.defaultLayerOptions()).Recover(ctx)
	return res, wrapIO("recover", err)
}
