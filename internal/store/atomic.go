package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

// WriteFileAtomic replaces path with data: temp file in the same
// directory, fsync, rename, then fsync of the directory so the rename
// itself is durable.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	t, err := renameio.TempFile(dir, path)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer t.Cleanup()

	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := t.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return &ReplaceError{Path: path, Err: err}
	}
	if err := SyncDir(dir); err != nil {
		return &ReplaceError{Path: path, Err: err}
	}
	return nil
}

// ReplaceError reports a failure at or after the rename step of an
// atomic write. The destination may hold either the old or the new
// content.
type ReplaceError struct {
	Path string
	Err  error
}

func (e *ReplaceError) Error() string {
	return fmt.Sprintf("replace %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ReplaceError) Unwrap() error { return e.Err }

// SyncDir flushes directory metadata (new names, renames) to disk.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

// IsTemp reports whether name is a leftover temp file from an
// interrupted atomic write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".")
}
