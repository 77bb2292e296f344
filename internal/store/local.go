package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/stratum/internal/compression"
	"github.com/aweris/stratum/internal/digest"
)

const configVersion = 1

// Options configures a LocalStore.
type Options struct {
	// Algorithm is only honoured when the repository is created.
	Algorithm        digest.Algorithm
	Compression      compression.Codec
	CompressionLevel int
	CacheSize        int
	Concurrency      int
}

// Config is persisted as config.json at the repository root.
type Config struct {
	Version     int               `json:"version"`
	Digest      digest.Algorithm  `json:"digest"`
	Compression compression.Codec `json:"compression"`
}

// LocalStore implements Store using the local filesystem.
//
// Storage layout:
//
//	basePath/
//	  config.json
//	  objects/
//	    ab/cd123...  (content-addressed objects, compressed at rest)
//	  refs/
//	    <osname>/base  (plain text: "sha256:abc123...")
type LocalStore struct {
	basePath    string
	algo        digest.Algorithm
	cache       Cache
	compressor  *compression.Compressor
	concurrency int
}

func NewLocalStore(basePath string, opts Options) (*LocalStore, error) {
	for _, dir := range []string{basePath, filepath.Join(basePath, "objects"), filepath.Join(basePath, "refs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	cfg, err := loadConfig(basePath, opts)
	if err != nil {
		return nil, err
	}

	compressor, err := compression.NewCompressor(cfg.Compression, opts.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &LocalStore{
		basePath:    basePath,
		algo:        cfg.Digest,
		cache:       NewLRUCache(opts.CacheSize),
		compressor:  compressor,
		concurrency: concurrency,
	}, nil
}

func loadConfig(basePath string, opts Options) (*Config, error) {
	path := filepath.Join(basePath, "config.json")

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Version != configVersion {
			return nil, fmt.Errorf("unsupported repository version %d", cfg.Version)
		}
		if opts.Algorithm != "" && opts.Algorithm != cfg.Digest {
			return nil, fmt.Errorf("repository uses %s digests, cannot open with %s", cfg.Digest, opts.Algorithm)
		}
		if opts.Compression == "" || opts.Compression == cfg.Compression {
			return &cfg, nil
		}
		// The codec may change at any time; old objects keep their tag.
		cfg.Compression = opts.Compression
	case errors.Is(err, fs.ErrNotExist):
		cfg = Config{Version: configVersion, Digest: opts.Algorithm, Compression: opts.Compression}
		if cfg.Digest == "" {
			cfg.Digest = digest.Canonical
		}
		if cfg.Compression == "" {
			cfg.Compression = compression.Zstd
		}
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if !cfg.Digest.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", cfg.Digest)
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := WriteFileAtomic(path, append(out, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write repository config: %w", err)
	}
	return &cfg, nil
}

func (s *LocalStore) Algorithm() digest.Algorithm { return s.algo }

// Path returns the repository root.
func (s *LocalStore) Path() string { return s.basePath }

// Get retrieves an object by digest and verifies it.
func (s *LocalStore) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	if data, ok := s.cache.Get(d); ok {
		return data, nil
	}

	path, err := s.objectPath(d)
	if err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: object %s", ErrNotFound, d)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	data, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, d, err)
	}

	if got := s.algo.FromBytes(data); got != d {
		return nil, fmt.Errorf("%w: %s hashes to %s", ErrCorrupt, d, got)
	}

	s.cache.Add(d, data)
	return data, nil
}

// Put stores an object and returns its digest. Existing objects are
// not rewritten.
func (s *LocalStore) Put(ctx context.Context, data []byte) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d := s.algo.FromBytes(data)
	path, err := s.objectPath(d)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); err == nil {
		return d, nil
	}

	compressed, err := s.compressor.Compress(data)
	if err != nil {
		return "", fmt.Errorf("failed to compress object: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	if err := WriteFileAtomic(path, compressed, 0o444); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", d, err)
	}

	s.cache.Add(d, data)
	return d, nil
}

// Has checks if an object exists.
func (s *LocalStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if s.cache.Has(d) {
		return true, nil
	}

	path, err := s.objectPath(d)
	if err != nil {
		return false, nil
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// PutMulti stores objects in parallel. Digests are returned in input order.
func (s *LocalStore) PutMulti(ctx context.Context, objects [][]byte) ([]digest.Digest, error) {
	digests := make([]digest.Digest, len(objects))

	p := pool.New().WithMaxGoroutines(s.concurrency).WithContext(ctx).WithCancelOnError()
	for i, data := range objects {
		p.Go(func(ctx context.Context) error {
			d, err := s.Put(ctx, data)
			if err != nil {
				return err
			}
			digests[i] = d
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

// Delete removes an object from disk and cache. Missing objects are ignored.
func (s *LocalStore) Delete(ctx context.Context, d digest.Digest) error {
	s.cache.Remove(d)

	path, err := s.objectPath(d)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object %s: %w", d, err)
	}
	return nil
}

// Walk visits every object in shard order.
func (s *LocalStore) Walk(ctx context.Context, fn WalkFunc) error {
	objectsDir := filepath.Join(s.basePath, "objects")

	shards, err := os.ReadDir(objectsDir)
	if err != nil {
		return fmt.Errorf("read objects: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := os.ReadDir(filepath.Join(objectsDir, shard.Name()))
		if err != nil {
			return fmt.Errorf("read shard %s: %w", shard.Name(), err)
		}

		for _, entry := range entries {
			if entry.IsDir() || IsTemp(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return err
			}

			d := digest.Digest(string(s.algo) + ":" + shard.Name() + entry.Name())
			if err := fn(d, info.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats counts objects and their on-disk size.
func (s *LocalStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.Walk(ctx, func(_ digest.Digest, size int64) error {
		st.Objects++
		st.Bytes += size
		return nil
	})
	return st, err
}

// RemoveTemp deletes temp files left behind by interrupted writes and
// returns how many were removed.
func (s *LocalStore) RemoveTemp(ctx context.Context) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.basePath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !IsTemp(entry.Name()) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// GetRef retrieves a reference.
func (s *LocalStore) GetRef(name string) (digest.Digest, error) {
	path, err := s.refPath(name)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: ref %s", ErrNotFound, name)
		}
		return "", err
	}
	return digest.Parse(strings.TrimSpace(string(data)))
}

// PutRef points name at d.
func (s *LocalStore) PutRef(name string, d digest.Digest) error {
	path, err := s.refPath(name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create ref directory: %w", err)
	}
	return WriteFileAtomic(path, []byte(d.String()+"\n"), 0o644)
}

// DeleteRef removes a reference. Missing refs are ignored.
func (s *LocalStore) DeleteRef(name string) error {
	path, err := s.refPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ListRefs returns every reference keyed by name.
func (s *LocalStore) ListRefs() (map[string]digest.Digest, error) {
	refsDir := filepath.Join(s.basePath, "refs")
	refs := make(map[string]digest.Digest)

	err := filepath.WalkDir(refsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || IsTemp(entry.Name()) {
			return nil
		}

		name, err := filepath.Rel(refsDir, path)
		if err != nil {
			return err
		}
		name = filepath.ToSlash(name)

		d, err := s.GetRef(name)
		if err != nil {
			return fmt.Errorf("ref %s: %w", name, err)
		}
		refs[name] = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (s *LocalStore) Close() error {
	s.cache.Clear()
	return s.compressor.Close()
}

// objectPath returns the filesystem path for a digest.
// Git-style sharding: objects/ab/cd123...
func (s *LocalStore) objectPath(d digest.Digest) (string, error) {
	if d.Algorithm() != s.algo {
		return "", fmt.Errorf("%w: %s is not a %s digest", ErrNotFound, d, s.algo)
	}
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	hex := d.Hex()
	return filepath.Join(s.basePath, "objects", hex[:2], hex[2:]), nil
}

func (s *LocalStore) refPath(name string) (string, error) {
	clean := filepath.ToSlash(filepath.Clean(name))
	if name == "" || clean != name || strings.HasPrefix(clean, "/") || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid ref name %q", name)
	}
	for _, part := range strings.Split(clean, "/") {
		if IsTemp(part) {
			return "", fmt.Errorf("invalid ref name %q", name)
		}
	}
	return filepath.Join(s.basePath, "refs", filepath.FromSlash(clean)), nil
}
