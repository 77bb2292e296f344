package pkgmgr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
)

// pacmanSkip lists scratch-root paths that belong to pacman itself or to
// the running system rather than to the installed packages.
var pacmanSkip = []string{
	"dev", "proc", "sys", "run", "tmp",
	"var/cache", "var/log", "var/tmp",
	"var/lib/pacman/sync", "var/lib/pacman/db.lck",
}

// Pacman drives the pacman binary. Packages are installed into a
// throwaway root and the result is read back through a vfs.FS.
//
// Resolution and installation both run against a scratch database whose
// local package list is empty and whose sync databases are those under
// DBPath. Neither step refreshes them, so both see the same repositories.
type Pacman struct {
	Binary     string
	Config     string
	CacheDir   string
	DBPath     string
	ScratchDir string
	Logger     zerolog.Logger

	// fs is the filesystem scratch roots are read through.
	fs vfs.FS
}

// PacmanOption configures a Pacman adapter.
type PacmanOption func(*Pacman)

func WithPacmanBinary(path string) PacmanOption {
	return func(p *Pacman) { p.Binary = path }
}

func WithPacmanConfig(path string) PacmanOption {
	return func(p *Pacman) { p.Config = path }
}

func WithPacmanCacheDir(dir string) PacmanOption {
	return func(p *Pacman) { p.CacheDir = dir }
}

// WithPacmanDBPath sets the database directory whose sync databases are
// used. Refresh them with pacman -Sy before layering.
func WithPacmanDBPath(dir string) PacmanOption {
	return func(p *Pacman) { p.DBPath = dir }
}

// WithScratchDir sets where install roots are created.
func WithScratchDir(dir string) PacmanOption {
	return func(p *Pacman) { p.ScratchDir = dir }
}

func WithPacmanLogger(l zerolog.Logger) PacmanOption {
	return func(p *Pacman) { p.Logger = l }
}

func NewPacman(opts ...PacmanOption) *Pacman {
	p := &Pacman{
		Binary: "pacman",
		DBPath: "/var/lib/pacman",
		Logger: zerolog.Nop(),
		fs:     vfs.OSFS,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pacman) commonArgs() []string {
	var args []string
	if p.Config != "" {
		args = append(args, "--config", p.Config)
	}
	if p.CacheDir != "" {
		args = append(args, "--cachedir", p.CacheDir)
	}
	return args
}

func (p *Pacman) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.Logger.Debug().Strs("args", args).Msg("running pacman")
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, errors.New(msg)
	}
	return stdout.Bytes(), nil
}

// newRoot creates a scratch root with a package database under
// var/lib/pacman that shares the configured sync databases.
func (p *Pacman) newRoot(prefix string) (root, dbPath string, err error) {
	if p.ScratchDir != "" {
		if err := os.MkdirAll(p.ScratchDir, 0o755); err != nil {
			return "", "", fmt.Errorf("create scratch dir: %w", err)
		}
	}
	root, err = os.MkdirTemp(p.ScratchDir, prefix)
	if err != nil {
		return "", "", fmt.Errorf("create scratch root: %w", err)
	}

	dbPath = filepath.Join(root, "var", "lib", "pacman")
	if err := os.MkdirAll(filepath.Join(dbPath, "local"), 0o755); err != nil {
		os.RemoveAll(root)
		return "", "", fmt.Errorf("create package database: %w", err)
	}
	if err := os.Symlink(filepath.Join(p.DBPath, "sync"), filepath.Join(dbPath, "sync")); err != nil {
		os.RemoveAll(root)
		return "", "", fmt.Errorf("link sync databases: %w", err)
	}
	return root, dbPath, nil
}

// ResolvePackages asks pacman to print the install targets for requests,
// which includes their full dependency closure. baseFiles is not
// consulted; files the base already ships are dropped by the resolver.
func (p *Pacman) ResolvePackages(ctx context.Context, baseFiles []string, requests []Request) ([]Package, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	root, dbPath, err := p.newRoot("pacman-resolve-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(root)

	args := append([]string{"-S", "--print", "--print-format", "%n %v", "--noconfirm", "--dbpath", dbPath}, p.commonArgs()...)
	for _, r := range requests {
		args = append(args, r.String())
	}

	out, err := p.run(ctx, args...)
	if err != nil {
		return nil, &ResolutionError{Reason: err.Error()}
	}

	var pkgs []Package
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "::") {
			continue
		}
		name, version, ok := strings.Cut(line, " ")
		if !ok {
			return nil, &ResolutionError{Reason: fmt.Sprintf("unexpected pacman output %q", line)}
		}
		pkgs = append(pkgs, Package{Name: name, Version: strings.TrimSpace(version)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	SortPackages(pkgs)
	return slices.CompactFunc(pkgs, func(a, b Package) bool { return a.Name == b.Name }), nil
}

// InstallFiles installs exactly pkgs into a scratch root and returns its
// content. Timestamps are dropped so identical packages produce
// identical trees.
func (p *Pacman) InstallFiles(ctx context.Context, pkgs []Package) (FileSet, error) {
	if len(pkgs) == 0 {
		return FileSet{}, nil
	}

	root, dbPath, err := p.newRoot("pacman-root-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(root)

	args := append([]string{"-S", "--root", root, "--dbpath", dbPath, "--noconfirm", "--nodeps", "--nodeps"}, p.commonArgs()...)
	for _, pkg := range pkgs {
		args = append(args, pkg.String())
	}

	if _, err := p.run(ctx, args...); err != nil {
		return nil, &ResolutionError{Reason: fmt.Sprintf("install failed: %v", err)}
	}

	return readRoot(vfs.NewPathFS(p.fs, root))
}

// readRoot collects every entry of fsys except pacman's own state.
func readRoot(fsys vfs.FS) (FileSet, error) {
	files := make(FileSet)

	err := vfs.Walk(fsys, "/", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel := cleanPath(filepath.ToSlash(path))
		if rel == "" {
			return nil
		}
		for _, skip := range pacmanSkip {
			if rel == skip || strings.HasPrefix(rel, skip+"/") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		f := File{Mode: info.Mode() & (fs.ModeType | fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky)}
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			f.UID, f.GID = st.Uid, st.Gid
		}

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := fsys.Readlink(path)
			if err != nil {
				return err
			}
			f.Target = target
		case info.Mode().IsRegular():
			content, err := fsys.ReadFile(path)
			if err != nil {
				return err
			}
			f.Content = content
		case info.IsDir():
		default:
			// Device nodes, fifos and sockets are not representable.
			return nil
		}

		files[rel] = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read install root: %w", err)
	}
	return files, nil
}
