package tree

import (
	"context"
	"fmt"

	"github.com/aweris/stratum/internal/object"
)

// node is an in-memory tree entry used while composing. Directories are
// loaded from the store on first access; unloaded and clean nodes keep
// their stored digest and are shared as-is.
type node struct {
	entry    object.Entry
	children map[string]*node
	loaded   bool
	dirty    bool
}

func newDirNode(name string, mode uint32) *node {
	return &node{
		entry:    object.Entry{Name: name, Kind: object.KindDir, Mode: mode},
		children: make(map[string]*node),
		loaded:   true,
		dirty:    true,
	}
}

func (n *node) isDir() bool { return n.entry.Kind == object.KindDir }

// ensureLoaded reads the directory listing on first use.
func (n *node) ensureLoaded(ctx context.Context, g object.Getter) error {
	if n.loaded || !n.isDir() {
		return nil
	}

	n.children = make(map[string]*node)
	if !n.entry.Digest.IsZero() {
		entries, err := object.ReadDir(ctx, g, n.entry.Digest)
		if err != nil {
			return fmt.Errorf("failed to load directory %q: %w", n.entry.Name, err)
		}
		for _, e := range entries {
			n.children[e.Name] = &node{entry: e}
		}
	}

	n.loaded = true
	return nil
}

// computeHash writes every dirty directory bottom-up and returns the
// node's digest. Clean subtrees are never re-encoded.
func (n *node) computeHash(ctx context.Context, s Store) (object.Entry, error) {
	if !n.dirty {
		return n.entry, nil
	}
	if !n.isDir() {
		n.dirty = false
		return n.entry, nil
	}

	entries := make([]object.Entry, 0, len(n.children))
	for name, child := range n.children {
		e, err := child.computeHash(ctx, s)
		if err != nil {
			return object.Entry{}, err
		}
		e.Name = name
		entries = append(entries, e)
	}

	d, err := object.WriteDir(ctx, s, entries)
	if err != nil {
		return object.Entry{}, err
	}

	n.entry.Digest = d
	n.dirty = false
	return n.entry, nil
}
