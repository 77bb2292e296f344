package tree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
)

var ErrNotExist = fs.ErrNotExist

// Snapshot is a read-only view of a stored tree. Directory listings are
// cached, so repeated lookups under the same parent read the store once.
type Snapshot struct {
	root  digest.Digest
	store object.Getter

	mu    sync.RWMutex
	cache map[digest.Digest][]object.Entry
}

func NewSnapshot(g object.Getter, root digest.Digest) *Snapshot {
	return &Snapshot{
		root:  root,
		store: g,
		cache: make(map[digest.Digest][]object.Entry),
	}
}

// Root returns the digest of the root directory.
func (s *Snapshot) Root() digest.Digest { return s.root }

// Store returns the getter the snapshot reads from.
func (s *Snapshot) Store() object.Getter { return s.store }

func (s *Snapshot) readDir(ctx context.Context, d digest.Digest) ([]object.Entry, error) {
	s.mu.RLock()
	entries, ok := s.cache[d]
	s.mu.RUnlock()
	if ok {
		return entries, nil
	}

	entries, err := object.ReadDir(ctx, s.store, d)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[d] = entries
	s.mu.Unlock()
	return entries, nil
}

// Lookup returns the entry at path. The root itself is returned as a
// directory entry with an empty name.
func (s *Snapshot) Lookup(ctx context.Context, path string) (object.Entry, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return object.Entry{}, err
	}

	current := object.Entry{Kind: object.KindDir, Mode: 0o755, Digest: s.root}
	for _, part := range parts {
		if current.Kind != object.KindDir {
			return object.Entry{}, fmt.Errorf("%s: %w", path, ErrNotExist)
		}

		entries, err := s.readDir(ctx, current.Digest)
		if err != nil {
			return object.Entry{}, err
		}

		i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= part })
		if i == len(entries) || entries[i].Name != part {
			return object.Entry{}, fmt.Errorf("%s: %w", path, ErrNotExist)
		}
		current = entries[i]
	}
	return current, nil
}

// ReadFile returns the content of a file or the target of a symlink.
func (s *Snapshot) ReadFile(ctx context.Context, path string) ([]byte, error) {
	e, err := s.Lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.Kind == object.KindDir {
		return nil, fmt.Errorf("%s: is a directory", path)
	}
	return object.ReadBlob(ctx, s.store, e.Digest)
}

// ReadDir lists a directory.
func (s *Snapshot) ReadDir(ctx context.Context, path string) ([]object.Entry, error) {
	e, err := s.Lookup(ctx, path)
	if err != nil {
		return nil, err
	}
	if e.Kind != object.KindDir {
		return nil, fmt.Errorf("%s: not a directory", path)
	}
	return s.readDir(ctx, e.Digest)
}

// WalkFunc is called for every entry below the walked directory, parents
// before children, siblings in name order. Returning fs.SkipDir from a
// directory skips its contents.
type WalkFunc func(path string, e object.Entry) error

// Walk visits every entry below path.
func (s *Snapshot) Walk(ctx context.Context, path string, fn WalkFunc) error {
	e, err := s.Lookup(ctx, path)
	if err != nil {
		return err
	}
	parts, _ := SplitPath(path)
	return s.walk(ctx, JoinPath(parts...), e, fn)
}

func (s *Snapshot) walk(ctx context.Context, prefix string, dir object.Entry, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.readDir(ctx, dir.Digest)
	if err != nil {
		return err
	}

	for _, e := range entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}

		err := fn(p, e)
		if errors.Is(err, fs.SkipDir) {
			continue
		}
		if err != nil {
			return err
		}

		if e.Kind == object.KindDir {
			if err := s.walk(ctx, p, e, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten returns every entry in the tree keyed by path.
func (s *Snapshot) Flatten(ctx context.Context) (map[string]object.Entry, error) {
	files := make(map[string]object.Entry)
	err := s.Walk(ctx, "", func(p string, e object.Entry) error {
		files[p] = e
		return nil
	})
	return files, err
}
