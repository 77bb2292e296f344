package layering

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/tree"
)

// CollisionPolicy decides what happens when a layered file would
// replace a different file the base image already provides.
type CollisionPolicy string

const (
	CollisionReplace CollisionPolicy = "replace"
	CollisionReject  CollisionPolicy = "reject"
)

// ParseCollisionPolicy validates a configured policy; empty means replace.
func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch p := CollisionPolicy(strings.ToLower(s)); p {
	case "":
		return CollisionReplace, nil
	case CollisionReplace, CollisionReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q", s)
	}
}

// DefaultRelocations moves package-owned paths that live outside the
// immutable tree into it.
var DefaultRelocations = map[string]string{
	"etc":            "usr/etc",
	"var/lib/pacman": "usr/lib/pacman",
}

// Resolution is the outcome of resolving a spec against a base commit.
// Payload holds framed blob objects keyed by digest; nothing is written
// to the store until the transaction composes.
type Resolution struct {
	Spec     Spec
	Packages []pkgmgr.Package
	Checksum string
	Diff     tree.Diff
	Payload  map[digest.Digest][]byte
}

// Resolver computes layer diffs. It only reads from the store.
type Resolver struct {
	manager     pkgmgr.Manager
	store       object.Getter
	algo        digest.Algorithm
	policy      CollisionPolicy
	relocations map[string]string
	logger      zerolog.Logger
}

type Option func(*Resolver)

func WithCollisionPolicy(p CollisionPolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithRelocations replaces the default path relocations.
func WithRelocations(m map[string]string) Option {
	return func(r *Resolver) { r.relocations = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(m pkgmgr.Manager, g object.Getter, algo digest.Algorithm, opts ...Option) *Resolver {
	r := &Resolver{
		manager:     m,
		store:       g,
		algo:        algo,
		policy:      CollisionReplace,
		relocations: DefaultRelocations,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the diff that layers spec onto base. Files the base
// already provides unchanged are left out of the diff.
func (r *Resolver) Resolve(ctx context.Context, base *object.Commit, spec Spec) (*Resolution, error) {
	res := &Resolution{Spec: spec, Payload: make(map[digest.Digest][]byte)}
	if spec.IsEmpty() {
		res.Checksum = Checksum(r.algo, nil)
		return res, nil
	}

	baseEntries, err := tree.NewSnapshot(r.store, base.Tree).Flatten(ctx)
	if err != nil {
		return nil, fmt.Errorf("list base tree: %w", err)
	}

	baseFiles := make([]string, 0, len(baseEntries))
	for p, e := range baseEntries {
		if e.Kind != object.KindDir {
			baseFiles = append(baseFiles, p)
		}
	}
	sort.Strings(baseFiles)

	pkgs, err := r.manager.ResolvePackages(ctx, baseFiles, spec.Requests)
	if err != nil {
		return nil, err
	}
	res.Packages = pkgs
	res.Checksum = Checksum(r.algo, pkgs)

	r.logger.Debug().Strs("packages", PackageStrings(pkgs)).Msg("resolved layering spec")

	files, err := r.manager.InstallFiles(ctx, pkgs)
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]pkgmgr.File)
	origin := make(map[string]string)
	needed := make(map[string]bool)
	var changes tree.Diff

	for _, p := range files.Paths() {
		f := files[p]
		target := r.relocate(p)

		if f.IsDir() {
			dirs[target] = f
			origin[target] = p
			continue
		}

		change := r.fileChange(target, f)
		if have, ok := lookupBase(baseEntries, target, p); ok {
			if sameEntry(have, change) {
				continue
			}
			if r.policy == CollisionReject {
				return nil, &pkgmgr.ResolutionError{
					Package: f.Package,
					Reason:  fmt.Sprintf("%s collides with a file from the base image", target),
				}
			}
		}

		content := f.Content
		if f.IsSymlink() {
			content = []byte(f.Target)
		}
		res.Payload[change.Digest] = object.Frame(object.TypeBlob, content)
		changes = append(changes, change)

		for dir := parentOf(target); dir != ""; dir = parentOf(dir) {
			needed[dir] = true
		}
	}

	for dir, f := range dirs {
		if !needed[dir] {
			continue
		}
		change := tree.Change{
			Op:   tree.OpAddOrReplace,
			Path: dir,
			Kind: object.KindDir,
			Mode: object.ModeBits(f.Mode),
			UID:  f.UID,
			GID:  f.GID,
		}
		if have, ok := lookupBase(baseEntries, dir, origin[dir]); ok && sameEntry(have, change) {
			continue
		}
		changes = append(changes, change)
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	res.Diff = changes

	r.logger.Debug().Int("changes", len(changes)).Int("objects", len(res.Payload)).Msg("computed layer diff")
	return res, nil
}

func (r *Resolver) fileChange(path string, f pkgmgr.File) tree.Change {
	change := tree.Change{
		Op:   tree.OpAddOrReplace,
		Path: path,
		Kind: object.KindFile,
		Mode: object.ModeBits(f.Mode),
		UID:  f.UID,
		GID:  f.GID,
	}

	content := f.Content
	if f.Mode&fs.ModeSymlink != 0 {
		change.Kind = object.KindSymlink
		change.Mode = 0o777
		content = []byte(f.Target)
	}
	change.Digest = object.BlobDigest(r.algo, content)
	return change
}

func (r *Resolver) relocate(p string) string {
	best := ""
	for from := range r.relocations {
		if (p == from || strings.HasPrefix(p, from+"/")) && len(from) > len(best) {
			best = from
		}
	}
	if best == "" {
		return p
	}
	return r.relocations[best] + strings.TrimPrefix(p, best)
}

// lookupBase finds the base entry a package path competes with. Bases
// still carry their own etc, so a relocated path is also looked up where
// the package put it.
func lookupBase(base map[string]object.Entry, target, orig string) (object.Entry, bool) {
	if e, ok := base[target]; ok {
		return e, true
	}
	if orig != "" && orig != target {
		e, ok := base[orig]
		return e, ok
	}
	return object.Entry{}, false
}

func sameEntry(e object.Entry, c tree.Change) bool {
	if e.Kind != c.Kind || e.Mode != c.Mode || e.UID != c.UID || e.GID != c.GID {
		return false
	}
	return c.Kind == object.KindDir || e.Digest == c.Digest
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i == -1 {
		return ""
	}
	return p[:i]
}
