// Package pkgmgr talks to package managers on behalf of the layering
// resolver. A Manager resolves package requests against a base image
// and reports the files the resolved packages install; it knows nothing
// about trees or the content store.
package pkgmgr

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Manager is the package manager service.
type Manager interface {
	// ResolvePackages returns the full, deterministic package set needed
	// to satisfy requests on top of a base providing baseFiles.
	ResolvePackages(ctx context.Context, baseFiles []string, requests []Request) ([]Package, error)

	// InstallFiles returns the files the given packages install.
	InstallFiles(ctx context.Context, pkgs []Package) (FileSet, error)
}

// Package is one resolved package.
type Package struct {
	Name    string
	Version string
}

func (p Package) String() string { return p.Name + "=" + p.Version }

// SortPackages orders packages by name, then version.
func SortPackages(pkgs []Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].Name != pkgs[j].Name {
			return pkgs[i].Name < pkgs[j].Name
		}
		return pkgs[i].Version < pkgs[j].Version
	})
}

// File is one filesystem entry installed by a package. Mode carries the
// type bits; symlinks keep their target in Target.
type File struct {
	Mode    fs.FileMode
	Content []byte
	Target  string
	UID     uint32
	GID     uint32
	ModTime time.Time
	Package string
}

func (f File) IsDir() bool     { return f.Mode.IsDir() }
func (f File) IsSymlink() bool { return f.Mode&fs.ModeSymlink != 0 }

// FileSet maps slash-separated paths relative to the root to files.
type FileSet map[string]File

// Paths returns the paths in lexical order, so parents precede children.
func (s FileSet) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ResolutionError reports a request the package manager cannot satisfy.
type ResolutionError struct {
	Package string
	Reason  string
}

func (e *ResolutionError) Error() string {
	if e.Package == "" {
		return "cannot resolve packages: " + e.Reason
	}
	return fmt.Sprintf("cannot resolve %s: %s", e.Package, e.Reason)
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}
