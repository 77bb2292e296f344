// Package importer turns a directory or tar stream into a stored tree.
package importer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/tree"
)

// Result describes an imported tree.
type Result struct {
	Tree    digest.Digest
	Files   int
	Dirs    int
	Links   int
	Skipped int
	Bytes   int64
}

// Importer writes directory contents into the store.
type Importer struct {
	store      tree.Store
	logger     zerolog.Logger
	timestamps bool
	ownership  bool
}

type Option func(*Importer)

func WithLogger(l zerolog.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

// WithTimestamps keeps source modification times. Without it every
// entry gets mtime 0, so identical content always yields the same tree.
func WithTimestamps(keep bool) Option {
	return func(i *Importer) { i.timestamps = keep }
}

// WithOwnership keeps source uid and gid; otherwise everything is
// owned by root.
func WithOwnership(keep bool) Option {
	return func(i *Importer) { i.ownership = keep }
}

func New(s tree.Store, opts ...Option) *Importer {
	i := &Importer{store: s, logger: zerolog.Nop(), ownership: true}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type builder struct {
	*Importer
	diff tree.Diff
	res  Result
}

func (b *builder) meta(c tree.Change, uid, gid uint32, mtime int64) tree.Change {
	if b.ownership {
		c.UID, c.GID = uid, gid
	}
	if b.timestamps {
		c.ModTime = mtime
	}
	return c
}

func (b *builder) finish(ctx context.Context) (Result, error) {
	root, err := tree.NewComposer(b.store, tree.AllowAll()).Compose(ctx, "", b.diff)
	if err != nil {
		return Result{}, err
	}
	b.res.Tree = root
	return b.res, nil
}

// ImportDir imports the tree rooted at dir in fsys.
func (i *Importer) ImportDir(ctx context.Context, fsys vfs.FS, dir string) (Result, error) {
	b := &builder{Importer: i}

	err := vfs.Walk(fsys, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		var uid, gid uint32
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			uid, gid = st.Uid, st.Gid
		}
		mtime := info.ModTime().Unix()

		switch mode := info.Mode(); {
		case mode.IsDir():
			b.diff = append(b.diff, b.meta(tree.Mkdir(rel, mode), uid, gid, mtime))
			b.res.Dirs++
		case mode&fs.ModeSymlink != 0:
			target, err := fsys.Readlink(path)
			if err != nil {
				return err
			}
			ref, err := object.WriteBlob(ctx, i.store, []byte(target))
			if err != nil {
				return err
			}
			b.diff = append(b.diff, b.meta(tree.Symlink(rel, ref), uid, gid, mtime))
			b.res.Links++
		case mode.IsRegular():
			data, err := fsys.ReadFile(path)
			if err != nil {
				return err
			}
			ref, err := object.WriteBlob(ctx, i.store, data)
			if err != nil {
				return err
			}
			b.diff = append(b.diff, b.meta(tree.AddOrReplace(rel, ref, mode), uid, gid, mtime))
			b.res.Files++
			b.res.Bytes += int64(len(data))
		default:
			i.logger.Warn().Str("path", rel).Str("mode", mode.String()).Msg("skipping special file")
			b.res.Skipped++
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("import %s: %w", dir, err)
	}

	return b.finish(ctx)
}

// ImportTar imports a tar stream, such as a flattened container image.
// Hard links are stored as copies of their target.
func (i *Importer) ImportTar(ctx context.Context, r io.Reader) (Result, error) {
	b := &builder{Importer: i}
	blobs := make(map[string]tree.Change)

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !(errors.Is(err, tar.ErrInsecurePath) && hdr != nil) {
			return Result{}, fmt.Errorf("read tar: %w", err)
		}

		parts, err := tree.SplitPath(hdr.Name)
		if err != nil {
			return Result{}, &tree.ConflictError{Path: hdr.Name, Reason: err.Error()}
		}
		if len(parts) == 0 {
			continue
		}
		rel := tree.JoinPath(parts...)

		uid, gid := uint32(hdr.Uid), uint32(hdr.Gid)
		mtime := hdr.ModTime.Unix()
		mode := hdr.FileInfo().Mode()

		var change tree.Change
		switch hdr.Typeflag {
		case tar.TypeDir:
			change = b.meta(tree.Mkdir(rel, mode), uid, gid, mtime)
			b.res.Dirs++
		case tar.TypeSymlink:
			ref, err := object.WriteBlob(ctx, i.store, []byte(hdr.Linkname))
			if err != nil {
				return Result{}, err
			}
			change = b.meta(tree.Symlink(rel, ref), uid, gid, mtime)
			b.res.Links++
		case tar.TypeLink:
			linkParts, err := tree.SplitPath(hdr.Linkname)
			if err != nil {
				return Result{}, &tree.ConflictError{Path: hdr.Linkname, Reason: err.Error()}
			}
			target, ok := blobs[tree.JoinPath(linkParts...)]
			if !ok {
				return Result{}, fmt.Errorf("hard link %s points at unknown %s", rel, hdr.Linkname)
			}
			target.Path = rel
			change = target
			b.res.Files++
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return Result{}, fmt.Errorf("read %s: %w", rel, err)
			}
			ref, err := object.WriteBlob(ctx, i.store, data)
			if err != nil {
				return Result{}, err
			}
			change = b.meta(tree.AddOrReplace(rel, ref, mode), uid, gid, mtime)
			blobs[rel] = change
			b.res.Files++
			b.res.Bytes += int64(len(data))
		default:
			i.logger.Warn().Str("path", rel).Msg("skipping special file")
			b.res.Skipped++
			continue
		}

		b.diff = append(b.diff, change)
	}

	return b.finish(ctx)
}
