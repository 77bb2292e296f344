package stratum

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	vfs "github.com/twpayne/go-vfs/v4"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/gc"
	"github.com/aweris/stratum/internal/importer"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/osrelease"
	"github.com/aweris/stratum/internal/remote"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
	"github.com/aweris/stratum/internal/txn"
)

// CommitOptions describe a new base commit.
type CommitOptions struct {
	OSName  string
	Subject string
	// Version is recorded when the tree carries no os-release.
	Version string
}

// Imported describes a base commit written by Import or Fetch.
type Imported struct {
	Commit  digest.Digest
	Tree    digest.Digest
	OSName  string
	Version string
	// Objects counts the entries imported or fetched.
	Objects int
	// Unchanged is set when the tree matched the current base, which
	// was kept instead of writing a new commit.
	Unchanged bool
}

// Import commits a directory or tar archive as the new base of an osname.
func (s *Sysroot) Import(ctx context.Context, src string, o CommitOptions) (*Imported, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, wrapIO("import", err)
	}
	if !info.IsDir() {
		f, err := os.Open(src)
		if err != nil {
			return nil, wrapIO("import", err)
		}
		defer f.Close()
		return s.ImportTar(ctx, f, o)
	}

	return s.importWith(ctx, o, func(imp *importer.Importer) (importer.Result, error) {
		return imp.ImportDir(ctx, vfs.OSFS, src)
	})
}

// ImportTar commits a tar stream as the new base of an osname.
func (s *Sysroot) ImportTar(ctx context.Context, r io.Reader, o CommitOptions) (*Imported, error) {
	return s.importWith(ctx, o, func(imp *importer.Importer) (importer.Result, error) {
		return imp.ImportTar(ctx, r)
	})
}

func (s *Sysroot) importWith(ctx context.Context, o CommitOptions, fn func(*importer.Importer) (importer.Result, error)) (*Imported, error) {
	lock, err := s.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	res, err := fn(importer.New(s.store, importer.WithLogger(s.logger)))
	if err != nil {
		return nil, wrapIO("import", err)
	}

	imported, err := s.commitBase(ctx, res.Tree, o)
	if err != nil {
		return nil, err
	}
	imported.Objects = res.Files + res.Dirs + res.Links

	s.logger.Info().
		Str("commit", imported.Commit.Short()).
		Int("files", res.Files).
		Int("dirs", res.Dirs).
		Int("links", res.Links).
		Int64("bytes", res.Bytes).
		Msg("base imported")
	return imported, nil
}

// Fetch pulls a base from an OCI registry. Native images carry their
// commit; any other image is flattened and committed locally.
func (s *Sysroot) Fetch(ctx context.Context, imageRef string, o CommitOptions) (*Imported, error) {
	r, err := s.remote(imageRef)
	if err != nil {
		return nil, err
	}

	lock, err := s.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	res, err := r.Fetch(ctx, s.store)
	if err != nil {
		return nil, err
	}

	if o.OSName == "" {
		o.OSName = res.Labels[remote.LabelOSName]
	}
	if o.Version == "" {
		o.Version = res.Labels[remote.LabelVersion]
	}
	if o.Subject == "" {
		o.Subject = "fetched " + imageRef
	}

	if !res.Native {
		imported, err := s.commitBase(ctx, res.Tree, o)
		if err != nil {
			return nil, err
		}
		imported.Objects = res.Objects
		return imported, nil
	}

	base := res.Commit
	c, err := object.ReadCommit(ctx, s.store, base)
	if err != nil {
		return nil, wrapIO("read fetched commit", err)
	}
	if c.Layered() {
		base = c.Base
		if c, err = object.ReadCommit(ctx, s.store, base); err != nil {
			return nil, wrapIO("read fetched base", err)
		}
	}

	osname := s.osname(o.OSName, c.OSName)
	if err := s.store.PutRef(txn.BaseRef(osname), base); err != nil {
		return nil, wrapIO("update ref", err)
	}

	s.logger.Info().Str("image", imageRef).Str("commit", base.Short()).Int("objects", res.Objects).Msg("base fetched")
	return &Imported{
		Commit:  base,
		Tree:    c.Tree,
		OSName:  osname,
		Version: c.Version,
		Objects: res.Objects,
	}, nil
}

// Exported describes a pushed image.
type Exported struct {
	Commit  digest.Digest
	Image   string
	Digest  string
	Objects int
}

// Export pushes a commit and every object it reaches as a native image.
func (s *Sysroot) Export(ctx context.Context, ref, imageRef string) (*Exported, error) {
	commit, err := s.ResolveCommit(ctx, ref)
	if err != nil {
		return nil, err
	}
	c, err := object.ReadCommit(ctx, s.store, commit)
	if err != nil {
		return nil, wrapIO("read commit", err)
	}

	r, err := s.remote(imageRef)
	if err != nil {
		return nil, err
	}

	live, err := gc.New(s.store, gc.WithLogger(s.logger)).Mark(ctx, []digest.Digest{commit})
	if err != nil {
		return nil, wrapIO("collect objects", err)
	}

	objects := make(remote.Objects, len(live))
	for d := range live {
		data, err := s.store.Get(ctx, d)
		if err != nil {
			return nil, wrapIO("read object", err)
		}
		objects[d] = data
	}

	labels := map[string]string{
		remote.LabelOSName:  c.OSName,
		remote.LabelVersion: c.Version,
	}
	if err := r.Export(ctx, commit, objects, labels); err != nil {
		return nil, err
	}

	manifestDigest, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return &Exported{Commit: commit, Image: r.String(), Digest: manifestDigest, Objects: len(objects)}, nil
}

func (s *Sysroot) remote(imageRef string) (*remote.Registry, error) {
	opts := []remote.Option{
		remote.WithConcurrency(s.opts.Concurrency),
		remote.WithLogger(s.logger),
	}
	if s.opts.RegistryUsername != "" {
		opts = append(opts, remote.WithBasicAuth(s.opts.RegistryUsername, s.opts.RegistryPassword))
	}
	return remote.New(imageRef, opts...)
}

func (s *Sysroot) osname(names ...string) string {
	for _, n := range names {
		if n != "" {
			return n
		}
	}
	return s.opts.OSName
}

// commitBase records root as the newest base of an osname. The previous
// base becomes its parent. The caller holds the registry lock.
func (s *Sysroot) commitBase(ctx context.Context, root digest.Digest, o CommitOptions) (*Imported, error) {
	osname := s.osname(o.OSName)
	ref := txn.BaseRef(osname)

	var parent *object.Commit
	parentDigest, err := s.store.GetRef(ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		parentDigest = ""
	case err != nil:
		return nil, wrapIO("read ref", err)
	default:
		if parent, err = object.ReadCommit(ctx, s.store, parentDigest); err != nil {
			s.logger.Warn().Err(err).Str("ref", ref).Msg("previous base is unreadable, starting a new history")
			parent, parentDigest = nil, ""
		}
	}

	if parent != nil && parent.Tree == root {
		return &Imported{Commit: parentDigest, Tree: root, OSName: osname, Version: parent.Version, Unchanged: true}, nil
	}

	version := o.Version
	if info, err := osrelease.FromSnapshot(ctx, tree.NewSnapshot(s.store, root)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to read os-release")
	} else if info != nil && info.DisplayVersion() != "" {
		version = info.DisplayVersion()
	}

	c := &object.Commit{
		Tree:      root,
		Parent:    parentDigest,
		Origin:    object.OriginBase,
		Ref:       ref,
		Subject:   o.Subject,
		Timestamp: time.Now().Unix(),
		OSName:    osname,
		Version:   version,
	}
	if parent != nil {
		c.Generation = parent.Generation + 1
	}

	d, err := object.WriteCommit(ctx, s.store, c)
	if err != nil {
		return nil, wrapIO("write commit", err)
	}
	if err := s.store.PutRef(ref, d); err != nil {
		return nil, wrapIO("update ref", err)
	}

	return &Imported{Commit: d, Tree: root, OSName: osname, Version: version}, nil
}
