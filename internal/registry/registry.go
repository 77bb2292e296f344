// Package registry persists the ordered list of deployments.
//
// The registry is a single JSON document replaced atomically. Each
// replacement bumps a generation counter; writers state the generation
// they loaded and the write is refused if someone else got there first.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aweris/stratum/internal/store"
)

const (
	fileName = "registry.json"
	lockName = "registry.lock"
)

var (
	ErrDeploymentNotFound        = errors.New("registry: deployment not found")
	ErrDeploymentPinnedElsewhere = errors.New("registry: deployment belongs to another stateroot")
	ErrNothingStaged             = errors.New("registry: no staged deployment")
	ErrLocked                    = errors.New("registry: locked by another process")
)

// ConsistencyError reports a registry that changed underneath the caller
// or that cannot be parsed.
type ConsistencyError struct {
	Reason string
	Err    error
}

func (e *ConsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry inconsistent: %s: %v", e.Reason, e.Err)
	}
	return "registry inconsistent: " + e.Reason
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Registry is a handle on a registry directory. It holds no cached
// state; every Load reads the durable file.
type Registry struct {
	dir string
}

// Open prepares dir for use as a registry directory.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &Registry{dir: dir}, nil
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) path() string { return filepath.Join(r.dir, fileName) }

// Load reads the current state. A registry that was never written is
// empty at generation 0.
func (r *Registry) Load() (*State, error) {
	data, err := os.ReadFile(r.path())
	if errors.Is(err, os.ErrNotExist) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &ConsistencyError{Reason: "cannot parse " + fileName, Err: err}
	}
	if s.Version != stateVersion {
		return nil, &ConsistencyError{Reason: fmt.Sprintf("unsupported version %d", s.Version)}
	}
	if err := s.Validate(); err != nil {
		return nil, &ConsistencyError{Reason: "invalid state", Err: err}
	}
	if s.Deployments == nil {
		s.Deployments = []Deployment{}
	}
	return &s, nil
}

// List returns the deployments in boot order.
func (r *Registry) List() ([]Deployment, error) {
	s, err := r.Load()
	if err != nil {
		return nil, err
	}
	return s.Deployments, nil
}

// Replace atomically swaps in next, provided the durable generation is
// still expected. On success next.Generation is expected+1. A
// *store.ReplaceError means the rename itself failed and the durable
// state is unknown.
func (r *Registry) Replace(expected uint64, next *State) error {
	if err := next.Validate(); err != nil {
		return &ConsistencyError{Reason: "refusing to write invalid state", Err: err}
	}

	current, err := r.Load()
	if err != nil {
		return err
	}
	if current.Generation != expected {
		return &ConsistencyError{
			Reason: fmt.Sprintf("generation is %d, expected %d", current.Generation, expected),
		}
	}

	out := next.Clone()
	out.Version = stateVersion
	out.Generation = expected + 1

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := store.WriteFileAtomic(r.path(), append(data, '\n'), 0o644); err != nil {
		return err
	}

	next.Version = out.Version
	next.Generation = out.Generation
	return nil
}

// Update loads the state, applies fn to a copy and replaces it. fn
// returning an error leaves the registry untouched.
func (r *Registry) Update(fn func(*State) error) (*State, error) {
	current, err := r.Load()
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := r.Replace(current.Generation, next); err != nil {
		return nil, err
	}
	return next, nil
}
