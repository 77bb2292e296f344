package txn

import (
	"errors"
	"fmt"

	"github.com/aweris/stratum/internal/registry"
	"github.com/aweris/stratum/internal/store"
)

// Phase is a transaction state.
type Phase string

const (
	PhaseOpened      Phase = "opened"
	PhaseResolving   Phase = "resolving"
	PhaseComposing   Phase = "composing"
	PhaseCommitting  Phase = "committing"
	PhaseRegistering Phase = "registering"
	PhaseFinalized   Phase = "finalized"
	PhaseAborted     Phase = "aborted"
)

// Consistency tells the operator whether the previous bootable state
// can be trusted after a failure.
type Consistency string

const (
	// ConsistencyIntact means the registry was not modified.
	ConsistencyIntact Consistency = "intact"
	// ConsistencyUnknown means the registry rename itself failed; the
	// registry holds either the old or the new state.
	ConsistencyUnknown Consistency = "unknown"
)

// PhaseError reports which phase of a transaction failed.
type PhaseError struct {
	Txn         string
	Phase       Phase
	Consistency Consistency
	Err         error
}

func (e *PhaseError) Error() string {
	state := "previous deployments are unaffected"
	if e.Consistency == ConsistencyUnknown {
		state = "registry consistency unknown, verify manually"
	}
	return fmt.Sprintf("transaction %s failed while %s: %v (%s)", e.Txn, e.Phase, e.Err, state)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseError(id string, phase Phase, err error) *PhaseError {
	c := ConsistencyIntact
	var rerr *store.ReplaceError
	if phase == PhaseRegistering && errors.As(err, &rerr) {
		c = ConsistencyUnknown
	}
	return &PhaseError{Txn: id, Phase: phase, Consistency: c, Err: err}
}

// ErrNoBase is returned when a layered transaction names no base commit.
var ErrNoBase = errors.New("txn: no base commit")

// IsRegistryConflict reports whether err came from a concurrent
// registry change.
func IsRegistryConflict(err error) bool {
	var cerr *registry.ConsistencyError
	return errors.As(err, &cerr)
}
