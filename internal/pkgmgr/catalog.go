package pkgmgr

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// CatalogPackage describes one package version in a catalog.
type CatalogPackage struct {
	Name      string                 `yaml:"name"`
	Version   string                 `yaml:"version"`
	Depends   []string               `yaml:"depends,omitempty"`
	Conflicts []string               `yaml:"conflicts,omitempty"`
	Files     map[string]CatalogFile `yaml:"files,omitempty"`
}

// CatalogFile is a file, directory or symlink shipped by a package.
// Mode is an octal string such as "0755".
type CatalogFile struct {
	Content string `yaml:"content,omitempty"`
	Target  string `yaml:"target,omitempty"`
	Dir     bool   `yaml:"dir,omitempty"`
	Mode    string `yaml:"mode,omitempty"`
	UID     uint32 `yaml:"uid,omitempty"`
	GID     uint32 `yaml:"gid,omitempty"`
}

type catalogFile struct {
	Packages []CatalogPackage `yaml:"packages"`
}

// Catalog is a Manager backed by a static package list. It resolves
// dependencies deterministically and never touches the network, which
// makes it suitable for offline layering and for tests.
type Catalog struct {
	packages map[string][]CatalogPackage
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(doc.Packages...)
}

func NewCatalog(pkgs ...CatalogPackage) (*Catalog, error) {
	c := &Catalog{packages: make(map[string][]CatalogPackage)}
	for _, p := range pkgs {
		if p.Name == "" || p.Version == "" {
			return nil, fmt.Errorf("catalog package needs name and version: %+v", p)
		}
		for path, f := range p.Files {
			if _, err := f.fileMode(); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", p.Name, path, err)
			}
		}
		c.packages[p.Name] = append(c.packages[p.Name], p)
	}

	// Newest first, so the first match is the best candidate.
	for name := range c.packages {
		slices.SortStableFunc(c.packages[name], func(a, b CatalogPackage) int {
			return Vercmp(b.Version, a.Version)
		})
	}
	return c, nil
}

func (f CatalogFile) fileMode() (fs.FileMode, error) {
	var perm uint64 = 0o644
	if f.Dir {
		perm = 0o755
	}
	if f.Target != "" {
		perm = 0o777
	}
	if f.Mode != "" {
		var err error
		perm, err = strconv.ParseUint(f.Mode, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid mode %q", f.Mode)
		}
	}

	mode := fs.FileMode(perm) & fs.ModePerm
	switch {
	case f.Dir:
		mode |= fs.ModeDir
	case f.Target != "":
		mode |= fs.ModeSymlink
	}
	return mode, nil
}

func (c *Catalog) lookup(r Request) (CatalogPackage, bool) {
	for _, p := range c.packages[r.Name] {
		if r.Matches(p.Version) {
			return p, true
		}
	}
	return CatalogPackage{}, false
}

func (c *Catalog) find(pkg Package) (CatalogPackage, bool) {
	for _, p := range c.packages[pkg.Name] {
		if p.Version == pkg.Version {
			return p, true
		}
	}
	return CatalogPackage{}, false
}

// providedByBase reports whether every file of p already exists in the base.
func providedByBase(p CatalogPackage, base map[string]bool) bool {
	if len(p.Files) == 0 {
		return false
	}
	for path, f := range p.Files {
		if f.Dir {
			continue
		}
		if !base[cleanPath(path)] {
			return false
		}
	}
	return true
}

// ResolvePackages computes the dependency closure of requests. Requested
// packages are always included; dependencies already provided by the
// base are skipped.
func (c *Catalog) ResolvePackages(ctx context.Context, baseFiles []string, requests []Request) ([]Package, error) {
	base := make(map[string]bool, len(baseFiles))
	for _, f := range baseFiles {
		base[cleanPath(f)] = true
	}

	type pending struct {
		req       Request
		requested bool
		from      string
	}

	queue := make([]pending, 0, len(requests))
	for _, r := range requests {
		queue = append(queue, pending{req: r, requested: true})
	}

	resolved := make(map[string]CatalogPackage)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := queue[0]
		queue = queue[1:]

		if have, ok := resolved[item.req.Name]; ok {
			if !item.req.Matches(have.Version) {
				return nil, &ResolutionError{
					Package: item.req.Name,
					Reason:  fmt.Sprintf("%s needs %s but %s is selected", describe(item.from), item.req, have.Version),
				}
			}
			continue
		}

		p, ok := c.lookup(item.req)
		if !ok {
			reason := "package not found"
			if len(c.packages[item.req.Name]) > 0 {
				reason = fmt.Sprintf("no version satisfies %s", item.req)
			}
			if item.from != "" {
				reason += " (required by " + item.from + ")"
			}
			return nil, &ResolutionError{Package: item.req.Name, Reason: reason}
		}

		if !item.requested && providedByBase(p, base) {
			continue
		}

		resolved[p.Name] = p
		for _, dep := range p.Depends {
			r, err := ParseRequest(dep)
			if err != nil {
				return nil, &ResolutionError{Package: p.Name, Reason: fmt.Sprintf("broken dependency: %v", err)}
			}
			queue = append(queue, pending{req: r, from: p.Name})
		}
	}

	for _, p := range resolved {
		for _, conflict := range p.Conflicts {
			r, err := ParseRequest(conflict)
			if err != nil {
				return nil, &ResolutionError{Package: p.Name, Reason: fmt.Sprintf("broken conflict: %v", err)}
			}
			if other, ok := resolved[r.Name]; ok && other.Name != p.Name && r.Matches(other.Version) {
				return nil, &ResolutionError{
					Package: p.Name,
					Reason:  fmt.Sprintf("conflicts with %s=%s", other.Name, other.Version),
				}
			}
		}
	}

	pkgs := make([]Package, 0, len(resolved))
	for _, p := range resolved {
		pkgs = append(pkgs, Package{Name: p.Name, Version: p.Version})
	}
	SortPackages(pkgs)
	return pkgs, nil
}

func describe(from string) string {
	if from == "" {
		return "request"
	}
	return from
}

// InstallFiles returns the files shipped by pkgs. Two packages shipping
// the same file with different content is a resolution failure.
func (c *Catalog) InstallFiles(ctx context.Context, pkgs []Package) (FileSet, error) {
	files := make(FileSet)
	for _, pkg := range pkgs {
		p, ok := c.find(pkg)
		if !ok {
			return nil, &ResolutionError{Package: pkg.String(), Reason: "package not in catalog"}
		}

		for path, cf := range p.Files {
			mode, err := cf.fileMode()
			if err != nil {
				return nil, err
			}

			clean := cleanPath(path)
			f := File{
				Mode:    mode,
				Content: []byte(cf.Content),
				Target:  cf.Target,
				UID:     cf.UID,
				GID:     cf.GID,
				Package: p.Name,
			}

			if prev, ok := files[clean]; ok && !sameFile(prev, f) {
				return nil, &ResolutionError{
					Package: p.Name,
					Reason:  fmt.Sprintf("file %s also provided by %s", clean, prev.Package),
				}
			}
			files[clean] = f
		}
	}
	return files, nil
}

func sameFile(a, b File) bool {
	if a.IsDir() && b.IsDir() {
		return true
	}
	return a.Mode == b.Mode && a.Target == b.Target && bytes.Equal(a.Content, b.Content)
}
