package stratum

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/registry"
	"github.com/aweris/stratum/internal/remote"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
	"github.com/aweris/stratum/internal/txn"
)

var (
	ErrNotFound                  = store.ErrNotFound
	ErrLocked                    = registry.ErrLocked
	ErrDeploymentNotFound        = registry.ErrDeploymentNotFound
	ErrDeploymentPinnedElsewhere = registry.ErrDeploymentPinnedElsewhere
	ErrNothingStaged             = registry.ErrNothingStaged
	ErrNotLayered                = layering.ErrNotLayered

	ErrNothingToDo   = errors.New("stratum: nothing to do")
	ErrNoDeployment  = errors.New("stratum: no deployment")
	ErrNoBase        = errors.New("stratum: no base commit")
	ErrUnknownCommit = errors.New("stratum: unknown commit")
)

// Typed errors of the internal packages, usable with errors.As.
type (
	ConflictError            = tree.ConflictError
	ResolutionError          = pkgmgr.ResolutionError
	FetchError               = remote.FetchError
	RegistryConsistencyError = registry.ConsistencyError
	PhaseError               = txn.PhaseError
	Phase                    = txn.Phase
	Consistency              = txn.Consistency
)

const (
	PhaseOpened      = txn.PhaseOpened
	PhaseResolving   = txn.PhaseResolving
	PhaseComposing   = txn.PhaseComposing
	PhaseCommitting  = txn.PhaseCommitting
	PhaseRegistering = txn.PhaseRegistering
	PhaseFinalized   = txn.PhaseFinalized
	PhaseAborted     = txn.PhaseAborted

	ConsistencyIntact  = txn.ConsistencyIntact
	ConsistencyUnknown = txn.ConsistencyUnknown
)

// IOError reports a store read or write that failed or returned bytes
// that do not match their digest.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("stratum: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// wrapIO classifies filesystem and corruption failures as *IOError and
// passes everything else through.
func wrapIO(op string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	var pathErr *fs.PathError
	if errors.Is(err, store.ErrCorrupt) || errors.As(err, &pathErr) {
		return &IOError{Op: op, Err: err}
	}
	return err
}
