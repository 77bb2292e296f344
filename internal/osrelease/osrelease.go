// Package osrelease reads os-release(5) files from committed trees.
package osrelease

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/tree"
)

// Paths are tried in order, relative to the tree root.
var Paths = []string{"usr/lib/os-release", "etc/os-release", "usr/etc/os-release"}

// Info is the subset of os-release fields deployments record.
type Info struct {
	ID        string
	Name      string
	Version   string
	VersionID string
	BuildID   string
	Fields    map[string]string
}

// Parse reads os-release content. Quoting follows shell rules.
func Parse(data []byte) (*Info, error) {
	fields, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse os-release: %w", err)
	}
	return &Info{
		ID:        fields["ID"],
		Name:      fields["NAME"],
		Version:   fields["VERSION"],
		VersionID: fields["VERSION_ID"],
		BuildID:   fields["BUILD_ID"],
		Fields:    fields,
	}, nil
}

// DisplayVersion picks the most specific version field present.
func (i *Info) DisplayVersion() string {
	for _, v := range []string{i.VersionID, i.BuildID, i.Version} {
		if v != "" {
			return v
		}
	}
	return ""
}

// FromSnapshot loads os-release from a committed tree. Symlinks are
// skipped in favour of the next candidate path. A tree without one
// returns nil and no error.
func FromSnapshot(ctx context.Context, s *tree.Snapshot) (*Info, error) {
	for _, p := range Paths {
		e, err := s.Lookup(ctx, p)
		if errors.Is(err, tree.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Kind != object.KindFile {
			continue
		}

		data, err := object.ReadBlob(ctx, s.Store(), e.Digest)
		if err != nil {
			return nil, err
		}
		return Parse(data)
	}
	return nil, nil
}
