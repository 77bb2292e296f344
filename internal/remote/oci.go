// Package remote moves commits between the local store and OCI
// registries.
//
// Native images carry store objects in zstd-compressed pack layers and
// name their commit in the dev.stratum.commit label. Any other image is
// treated as a plain root filesystem and flattened on fetch.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/importer"
	"github.com/aweris/stratum/internal/object"
)

const (
	DefaultConcurrency = 4

	LabelCommit    = "dev.stratum.commit"
	LabelAlgorithm = "dev.stratum.digest"
	LabelOSName    = "dev.stratum.osname"
	LabelVersion   = "dev.stratum.version"
)

// FetchError reports a failure to retrieve an image.
type FetchError struct {
	Ref string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Ref, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Store is what fetching writes into.
type Store interface {
	object.Getter
	object.Putter
	Algorithm() digest.Algorithm
	PutMulti(ctx context.Context, objects [][]byte) ([]digest.Digest, error)
}

// Registry is one image reference in an OCI registry.
type Registry struct {
	ref         name.Reference
	auth        authn.Authenticator
	concurrency int
	attempts    uint
	logger      zerolog.Logger
}

type Option func(*Registry)

// WithBasicAuth uses fixed credentials instead of the docker keychain.
func WithBasicAuth(username, password string) Option {
	return func(r *Registry) {
		if username != "" {
			r.auth = &authn.Basic{Username: username, Password: password}
		}
	}
}

func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithAttempts sets how often registry calls are tried before giving up.
func WithAttempts(n uint) Option {
	return func(r *Registry) {
		if n > 0 {
			r.attempts = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New parses a reference such as "ghcr.io/org/arch:latest".
func New(imageRef string, opts ...Option) (*Registry, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}

	r := &Registry{
		ref:         ref,
		concurrency: DefaultConcurrency,
		attempts:    3,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) String() string { return r.ref.String() }

// packLayer implements v1.Layer with zstd compression for transfer.
type packLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newPackLayer(data []byte) *packLayer {
	return &packLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *packLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *packLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *packLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *packLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *packLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *packLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Export pushes objects as a native image whose commit label is commit.
// objects must hold everything the commit reaches.
func (r *Registry) Export(ctx context.Context, commit digest.Digest, objects Objects, labels map[string]string) error {
	if _, ok := objects[commit]; !ok {
		return fmt.Errorf("export %s: commit object missing from export set", commit.Short())
	}

	byShard := GroupByShard(objects)
	plan := PlanLayers(byShard)

	layers := make([]v1.Layer, 0, len(plan))
	var raw, compressed int64
	for _, shards := range plan {
		set := make(Objects)
		for _, s := range shards {
			for d, data := range byShard[s] {
				set[d] = data
			}
		}
		l := newPackLayer(Pack(set))
		raw += int64(len(l.uncompressed))
		compressed += int64(len(l.compressed))
		layers = append(layers, l)
	}

	r.logger.Info().
		Str("image", r.String()).
		Int("objects", len(objects)).
		Int("layers", len(layers)).
		Int64("raw_bytes", raw).
		Int64("compressed_bytes", compressed).
		Msg("exporting commit")

	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	cfg = cfg.DeepCopy()
	cfg.OS = "linux"
	cfg.Config.Labels = map[string]string{
		LabelCommit:    commit.String(),
		LabelAlgorithm: string(commit.Algorithm()),
	}
	for k, v := range labels {
		cfg.Config.Labels[k] = v
	}

	img, err = mutate.ConfigFile(img, cfg)
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	opts := append(r.remoteOptions(ctx), remote.WithJobs(r.concurrency))
	if err := r.retry(ctx, func() error { return remote.Write(r.ref, img, opts...) }); err != nil {
		return fmt.Errorf("push image: %w", err)
	}
	return nil
}

// FetchResult describes what Fetch stored. Native images set Commit;
// flattened images set Tree and leave committing to the caller.
type FetchResult struct {
	Commit  digest.Digest
	Tree    digest.Digest
	Labels  map[string]string
	Objects int
	Native  bool
}

// Fetch downloads the image into s. Errors are *FetchError; nothing
// fetched is referenced until the caller records it.
func (r *Registry) Fetch(ctx context.Context, s Store) (*FetchResult, error) {
	res, err := r.fetch(ctx, s)
	if err != nil {
		return nil, &FetchError{Ref: r.String(), Err: err}
	}
	return res, nil
}

func (r *Registry) fetch(ctx context.Context, s Store) (*FetchResult, error) {
	var img v1.Image
	err := r.retry(ctx, func() error {
		var err error
		img, err = remote.Image(r.ref, r.remoteOptions(ctx)...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	label := cfg.Config.Labels[LabelCommit]
	if label == "" {
		return r.fetchFlattened(ctx, s, img, cfg.Config.Labels)
	}

	commit, err := digest.Parse(label)
	if err != nil {
		return nil, fmt.Errorf("bad %s label: %w", LabelCommit, err)
	}
	if commit.Algorithm() != s.Algorithm() {
		return nil, fmt.Errorf("image uses %s digests, local store uses %s", commit.Algorithm(), s.Algorithm())
	}

	n, err := r.fetchPacks(ctx, s, img)
	if err != nil {
		return nil, err
	}

	if _, err := object.ReadCommit(ctx, s, commit); err != nil {
		return nil, fmt.Errorf("image does not contain commit %s: %w", commit.Short(), err)
	}

	return &FetchResult{Commit: commit, Labels: cfg.Config.Labels, Objects: n, Native: true}, nil
}

func (r *Registry) fetchPacks(ctx context.Context, s Store, img v1.Image) (int, error) {
	layers, err := img.Layers()
	if err != nil {
		return 0, fmt.Errorf("get layers: %w", err)
	}

	r.logger.Info().Str("image", r.String()).Int("layers", len(layers)).Msg("downloading object packs")

	var (
		mu    sync.Mutex
		total int
	)
	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer: %w", err)
			}
			objects, err := Unpack(rc)
			if cerr := rc.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close layer: %w", cerr)
			}
			if err != nil {
				return err
			}

			batch := make([][]byte, 0, len(objects))
			for _, d := range objects.sorted() {
				batch = append(batch, objects[d])
			}
			if _, err := s.PutMulti(ctx, batch); err != nil {
				return fmt.Errorf("store objects: %w", err)
			}

			mu.Lock()
			total += len(objects)
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Registry) fetchFlattened(ctx context.Context, s Store, img v1.Image, labels map[string]string) (*FetchResult, error) {
	r.logger.Info().Str("image", r.String()).Msg("image has no commit label, importing flattened filesystem")

	rc := mutate.Extract(img)
	defer rc.Close()

	res, err := importer.New(s, importer.WithLogger(r.logger)).ImportTar(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("import filesystem: %w", err)
	}
	return &FetchResult{Tree: res.Tree, Labels: labels, Objects: res.Files + res.Links + res.Dirs}, nil
}

// Resolve returns the manifest digest the reference currently points at.
func (r *Registry) Resolve(ctx context.Context) (string, error) {
	var desc *remote.Descriptor
	err := r.retry(ctx, func() error {
		var err error
		desc, err = remote.Get(r.ref, r.remoteOptions(ctx)...)
		return err
	})
	if err != nil {
		return "", &FetchError{Ref: r.String(), Err: err}
	}
	return desc.Digest.String(), nil
}

func (r *Registry) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		return append(opts, remote.WithAuth(r.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func (r *Registry) retry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug().Err(err).Uint("attempt", n+1).Str("image", r.String()).Msg("retrying registry call")
		}),
	)
}

// retryable skips retries for errors the registry reports as permanent,
// such as a missing manifest or denied access.
func retryable(err error) bool {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Temporary()
	}
	return true
}
