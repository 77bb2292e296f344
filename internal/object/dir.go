package object

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/aweris/stratum/internal/digest"
)

// Kind is the filesystem type of a directory entry.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Entry is one name inside a dir object. Files and symlinks point at a
// blob (symlinks store their target as content); directories point at
// another dir object.
type Entry struct {
	_ struct{} `cbor:",toarray"`

	Name    string
	Kind    Kind
	Mode    uint32
	UID     uint32
	GID     uint32
	ModTime int64
	Digest  digest.Digest
}

// FileMode returns the permission bits combined with the type bits.
func (e Entry) FileMode() fs.FileMode {
	mode := fs.FileMode(e.Mode) & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)
	switch e.Kind {
	case KindDir:
		mode |= fs.ModeDir
	case KindSymlink:
		mode |= fs.ModeSymlink
	}
	return mode
}

func (e Entry) MTime() time.Time { return time.Unix(e.ModTime, 0).UTC() }

// SameContent reports whether two entries would materialize identically
// apart from their timestamps.
func (e Entry) SameContent(o Entry) bool {
	return e.Kind == o.Kind && e.Mode == o.Mode && e.UID == o.UID && e.GID == o.GID && e.Digest == o.Digest
}

// ModeBits extracts the mode bits stored in entries.
func ModeBits(m fs.FileMode) uint32 {
	return uint32(m & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky))
}

// EncodeDir returns the framed dir object for entries. Entries are
// sorted by name; duplicate or invalid names are rejected.
func EncodeDir(entries []Entry) ([]byte, error) {
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })

	for i, e := range sorted {
		if e.Name == "" || e.Name == "." || e.Name == ".." || strings.Contains(e.Name, "/") {
			return nil, fmt.Errorf("%w: invalid entry name %q", ErrMalformed, e.Name)
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, fmt.Errorf("%w: duplicate entry %q", ErrMalformed, e.Name)
		}
		if e.Digest.IsZero() {
			return nil, fmt.Errorf("%w: entry %q has no digest", ErrMalformed, e.Name)
		}
	}
	if sorted == nil {
		sorted = []Entry{}
	}

	payload, err := encMode.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("encode dir: %w", err)
	}
	return Frame(TypeDir, payload), nil
}

func decodeDir(payload []byte) ([]Entry, error) {
	var entries []Entry
	if err := decMode.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode dir: %v", ErrMalformed, err)
	}
	return entries, nil
}

// DecodeDir parses a framed dir object.
func DecodeDir(data []byte) ([]Entry, error) {
	t, payload, err := Unframe(data)
	if err != nil {
		return nil, err
	}
	if t != TypeDir {
		return nil, fmt.Errorf("%w: %s, want %s", ErrWrongType, t, TypeDir)
	}
	return decodeDir(payload)
}

// ReadDir returns the entries of a dir object, sorted by name.
func ReadDir(ctx context.Context, g Getter, d digest.Digest) ([]Entry, error) {
	payload, err := read(ctx, g, d, TypeDir)
	if err != nil {
		return nil, err
	}
	return decodeDir(payload)
}

// WriteDir stores a dir object.
func WriteDir(ctx context.Context, p Putter, entries []Entry) (digest.Digest, error) {
	data, err := EncodeDir(entries)
	if err != nil {
		return "", err
	}
	return p.Put(ctx, data)
}

// EmptyDir stores the empty directory and returns its digest.
func EmptyDir(ctx context.Context, p Putter) (digest.Digest, error) {
	return WriteDir(ctx, p, nil)
}
