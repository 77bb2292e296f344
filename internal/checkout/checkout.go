// Package checkout materializes stored trees on a filesystem.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/tree"
)

// ErrExists is returned when the destination is already populated.
var ErrExists = errors.New("checkout: destination exists")

// PartialPrefix marks staging directories of unfinished checkouts.
const PartialPrefix = ".partial-"

// Checkout writes trees below a destination directory.
type Checkout struct {
	fs        vfs.FS
	store     object.Getter
	logger    zerolog.Logger
	ownership bool
}

type Option func(*Checkout)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Checkout) { c.logger = l }
}

// WithOwnership applies stored uid and gid. Requires privileges.
func WithOwnership(apply bool) Option {
	return func(c *Checkout) { c.ownership = apply }
}

func New(fsys vfs.FS, g object.Getter, opts ...Option) *Checkout {
	c := &Checkout{fs: fsys, store: g, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StagingPath is where a checkout of dest is built before the rename.
func StagingPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), PartialPrefix+filepath.Base(dest))
}

// Tree materializes root at dest. The tree is built in a staging
// directory next to dest and renamed into place once complete, so dest
// either does not exist or holds the full tree.
func (c *Checkout) Tree(ctx context.Context, root digest.Digest, dest string) error {
	if _, err := c.fs.Lstat(dest); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dest)
	}

	staging := StagingPath(dest)
	if err := c.fs.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := vfs.MkdirAll(c.fs, staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	if err := c.write(ctx, root, staging); err != nil {
		if rmErr := c.fs.RemoveAll(staging); rmErr != nil {
			c.logger.Warn().Err(rmErr).Str("path", staging).Msg("failed to remove staging dir")
		}
		return err
	}

	if err := c.fs.Rename(staging, dest); err != nil {
		return fmt.Errorf("move checkout into place: %w", err)
	}
	return nil
}

type dirMeta struct {
	path string
	e    object.Entry
}

func (c *Checkout) write(ctx context.Context, root digest.Digest, dest string) error {
	snap := tree.NewSnapshot(c.store, root)

	var dirs []dirMeta
	err := snap.Walk(ctx, "", func(p string, e object.Entry) error {
		target := filepath.Join(dest, filepath.FromSlash(p))

		switch e.Kind {
		case object.KindDir:
			if err := c.fs.Mkdir(target, 0o700); err != nil {
				return err
			}
			dirs = append(dirs, dirMeta{path: target, e: e})
			return nil
		case object.KindSymlink:
			link, err := object.ReadBlob(ctx, c.store, e.Digest)
			if err != nil {
				return err
			}
			if err := c.fs.Symlink(string(link), target); err != nil {
				return err
			}
			if c.ownership {
				return c.fs.Lchown(target, int(e.UID), int(e.GID))
			}
			return nil
		default:
			data, err := object.ReadBlob(ctx, c.store, e.Digest)
			if err != nil {
				return err
			}
			if err := c.fs.WriteFile(target, data, 0o600); err != nil {
				return err
			}
			return c.apply(target, e)
		}
	})
	if err != nil {
		return fmt.Errorf("checkout %s: %w", root.Short(), err)
	}

	// Children first so directory timestamps and read-only modes are set
	// after their contents are written.
	slices.Reverse(dirs)
	for _, d := range dirs {
		if err := c.apply(d.path, d.e); err != nil {
			return fmt.Errorf("checkout %s: %w", root.Short(), err)
		}
	}
	return nil
}

func (c *Checkout) apply(path string, e object.Entry) error {
	if c.ownership {
		if err := c.fs.Chown(path, int(e.UID), int(e.GID)); err != nil {
			return err
		}
	}
	if err := c.fs.Chmod(path, e.FileMode()&^fs.ModeType); err != nil {
		return err
	}
	return c.fs.Chtimes(path, e.MTime(), e.MTime())
}

// Remove deletes a checkout, including a leftover staging directory.
func (c *Checkout) Remove(dest string) error {
	for _, p := range []string{StagingPath(dest), dest} {
		if err := c.makeWritable(p); err != nil {
			return err
		}
		if err := c.fs.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// Clean removes every entry under dir that is not in keep, including
// staging directories. It returns the removed names.
func (c *Checkout) Clean(dir string, keep []string) ([]string, error) {
	infos, err := c.fs.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, info := range infos {
		name := info.Name()
		if slices.Contains(keep, name) && !strings.HasPrefix(name, PartialPrefix) {
			continue
		}
		if err := c.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// makeWritable restores owner write permission on directories so
// read-only trees can be removed.
func (c *Checkout) makeWritable(root string) error {
	if _, err := c.fs.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return vfs.Walk(c.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Mode().Perm()&0o200 == 0 {
			return c.fs.Chmod(path, info.Mode().Perm()|0o700)
		}
		return nil
	})
}
