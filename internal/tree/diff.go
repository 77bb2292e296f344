// Package tree composes and reads filesystem trees kept in the store.
package tree

import (
	"fmt"
	"io/fs"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
)

// Op is the kind of change a diff entry makes.
type Op uint8

const (
	OpAddOrReplace Op = iota
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "remove"
	}
	return "add"
}

// Change is one diff operation. Directories carry no digest: adding an
// existing directory only updates its metadata.
type Change struct {
	Op      Op
	Path    string
	Kind    object.Kind
	Digest  digest.Digest
	Mode    uint32
	UID     uint32
	GID     uint32
	ModTime int64
}

// Diff is an ordered list of changes. Later changes to the same path win.
type Diff []Change

// AddOrReplace places a file at path pointing at the blob ref.
func AddOrReplace(path string, ref digest.Digest, mode fs.FileMode) Change {
	return Change{Op: OpAddOrReplace, Path: path, Kind: object.KindFile, Digest: ref, Mode: object.ModeBits(mode)}
}

// Symlink places a symlink at path whose target is stored in the blob ref.
func Symlink(path string, ref digest.Digest) Change {
	return Change{Op: OpAddOrReplace, Path: path, Kind: object.KindSymlink, Digest: ref, Mode: 0o777}
}

// Mkdir ensures a directory exists at path with mode.
func Mkdir(path string, mode fs.FileMode) Change {
	return Change{Op: OpAddOrReplace, Path: path, Kind: object.KindDir, Mode: object.ModeBits(mode)}
}

// Remove deletes path and everything below it.
func Remove(path string) Change {
	return Change{Op: OpRemove, Path: path}
}

func (c Change) String() string {
	if c.Op == OpRemove {
		return fmt.Sprintf("remove %s", c.Path)
	}
	return fmt.Sprintf("add %s (%s %04o)", c.Path, c.Kind, c.Mode)
}

func (c Change) entry(name string) object.Entry {
	return object.Entry{
		Name:    name,
		Kind:    c.Kind,
		Mode:    c.Mode,
		UID:     c.UID,
		GID:     c.GID,
		ModTime: c.ModTime,
		Digest:  c.Digest,
	}
}

// Paths lists the paths touched by d in order.
func (d Diff) Paths() []string {
	paths := make([]string, len(d))
	for i, c := range d {
		paths[i] = c.Path
	}
	return paths
}

// ConflictError reports a diff that would write where layering may not.
type ConflictError struct {
	Path   string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict at %q: %s", e.Path, e.Reason)
}
