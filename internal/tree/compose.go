package tree

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
)

// DefaultAllowlist is the set of root directories layering may write to.
var DefaultAllowlist = []string{"usr", "opt"}

// Store is what composing needs from the content store.
type Store interface {
	object.Getter
	object.Putter
}

// Composer applies diffs to stored trees.
type Composer struct {
	store     Store
	allowlist []string
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithAllowlist restricts writes to the given root directories.
func WithAllowlist(roots ...string) ComposerOption {
	return func(c *Composer) {
		c.allowlist = nil
		for _, r := range roots {
			if r = strings.Trim(r, "/"); r != "" {
				c.allowlist = append(c.allowlist, r)
			}
		}
	}
}

// AllowAll lifts the root directory restriction. Used when importing
// base images, which own the whole tree.
func AllowAll() ComposerOption {
	return func(c *Composer) { c.allowlist = nil }
}

func NewComposer(s Store, opts ...ComposerOption) *Composer {
	c := &Composer{store: s, allowlist: slices.Clone(DefaultAllowlist)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Allowlist returns the root directories layering may write to; empty
// means unrestricted.
func (c *Composer) Allowlist() []string { return slices.Clone(c.allowlist) }

// Compose applies diff to the tree base (empty digest for an empty tree)
// and returns the new tree digest. The whole diff is validated before
// anything is written; the base is never modified and unchanged
// subtrees are shared by digest.
func (c *Composer) Compose(ctx context.Context, base digest.Digest, diff Diff) (digest.Digest, error) {
	parts, err := c.split(diff)
	if err != nil {
		return "", err
	}

	root := &node{entry: object.Entry{Kind: object.KindDir, Mode: 0o755, Digest: base}}
	if base.IsZero() {
		root = newDirNode("", 0o755)
	}

	for i, change := range diff {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		var err error
		switch change.Op {
		case OpRemove:
			err = c.remove(ctx, root, parts[i])
		default:
			err = c.add(ctx, root, parts[i], change)
		}
		if err != nil {
			return "", err
		}
	}

	e, err := root.computeHash(ctx, c.store)
	if err != nil {
		return "", fmt.Errorf("failed to compute tree hash: %w", err)
	}
	return e.Digest, nil
}

// Validate checks diff against the allowlist without touching the
// store. Callers writing the diff's objects run it first.
func (c *Composer) Validate(diff Diff) error {
	_, err := c.split(diff)
	return err
}

func (c *Composer) split(diff Diff) ([][]string, error) {
	parts := make([][]string, len(diff))
	for i, change := range diff {
		p, err := c.validate(change)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}

func (c *Composer) validate(change Change) ([]string, error) {
	parts, err := SplitPath(change.Path)
	if err != nil {
		return nil, &ConflictError{Path: change.Path, Reason: err.Error()}
	}
	if len(parts) == 0 {
		return nil, &ConflictError{Path: change.Path, Reason: "cannot replace the root directory"}
	}
	if len(c.allowlist) > 0 && !slices.Contains(c.allowlist, parts[0]) {
		return nil, &ConflictError{
			Path:   change.Path,
			Reason: fmt.Sprintf("outside allowed roots %s", strings.Join(c.allowlist, ", ")),
		}
	}
	if change.Op == OpAddOrReplace && change.Kind != object.KindDir && change.Digest.IsZero() {
		return nil, &ConflictError{Path: change.Path, Reason: "missing object reference"}
	}
	return parts, nil
}

// walk descends to the parent of the last component, creating missing
// directories when create is set. It returns the nodes along the way,
// root first, or nil when the path does not exist.
func (c *Composer) walk(ctx context.Context, root *node, parts []string, create bool) ([]*node, error) {
	trail := []*node{root}
	current := root

	for i, part := range parts[:len(parts)-1] {
		if err := current.ensureLoaded(ctx, c.store); err != nil {
			return nil, err
		}

		child, ok := current.children[part]
		if !ok {
			if !create {
				return nil, nil
			}
			child = newDirNode(part, 0o755)
			current.children[part] = child
		}

		if !child.isDir() {
			if !create {
				return nil, nil
			}
			return nil, &ConflictError{
				Path:   strings.Join(parts, "/"),
				Reason: fmt.Sprintf("%s is not a directory", strings.Join(parts[:i+1], "/")),
			}
		}

		trail = append(trail, child)
		current = child
	}

	if err := current.ensureLoaded(ctx, c.store); err != nil {
		return nil, err
	}
	return trail, nil
}

func (c *Composer) add(ctx context.Context, root *node, parts []string, change Change) error {
	trail, err := c.walk(ctx, root, parts, true)
	if err != nil {
		return err
	}

	parent := trail[len(trail)-1]
	name := parts[len(parts)-1]
	existing, ok := parent.children[name]

	switch {
	case change.Kind == object.KindDir && ok && existing.isDir():
		existing.entry.Mode = change.Mode
		existing.entry.UID = change.UID
		existing.entry.GID = change.GID
		existing.entry.ModTime = change.ModTime
		if err := existing.ensureLoaded(ctx, c.store); err != nil {
			return err
		}
		existing.dirty = true
	case ok && existing.isDir() != (change.Kind == object.KindDir):
		return &ConflictError{
			Path:   change.Path,
			Reason: fmt.Sprintf("cannot replace %s with %s", existing.entry.Kind, change.Kind),
		}
	case change.Kind == object.KindDir:
		n := newDirNode(name, change.Mode)
		n.entry = change.entry(name)
		parent.children[name] = n
	default:
		parent.children[name] = &node{entry: change.entry(name), loaded: true, dirty: true}
	}

	markDirty(trail)
	return nil
}

func (c *Composer) remove(ctx context.Context, root *node, parts []string) error {
	trail, err := c.walk(ctx, root, parts, false)
	if err != nil || trail == nil {
		return err
	}

	parent := trail[len(trail)-1]
	name := parts[len(parts)-1]
	if _, ok := parent.children[name]; !ok {
		return nil
	}

	delete(parent.children, name)
	markDirty(trail)
	return nil
}

func markDirty(trail []*node) {
	for _, n := range trail {
		n.dirty = true
	}
}

// SplitPath cleans a tree path into its components. Leading slashes are
// ignored; "." components are dropped and ".." is rejected.
func SplitPath(p string) ([]string, error) {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("path escapes the tree")
		default:
			parts = append(parts, part)
		}
	}
	return parts, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}
