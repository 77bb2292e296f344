// Package gc reclaims store objects that no live commit reaches.
//
// Collection is mark-and-sweep. Roots are the commits the caller hands
// in (normally every registered deployment) plus every ref in the
// store. Callers must hold the registry lock so no transaction can add
// a root while the sweep runs.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/store"
)

// ErrDangling is returned when a root reaches an object that is not in
// the store. Nothing is swept in that case.
var ErrDangling = errors.New("gc: live commit references a missing object")

// Result summarizes one collection.
type Result struct {
	Live   int
	Swept  int
	Freed  int64
	DryRun bool
}

func (r Result) String() string {
	verb := "removed"
	if r.DryRun {
		verb = "would remove"
	}
	return fmt.Sprintf("%d live objects, %s %d (%s)", r.Live, verb, r.Swept, humanize.IBytes(uint64(r.Freed)))
}

// Collector runs garbage collection over a store.
type Collector struct {
	store       store.Store
	logger      zerolog.Logger
	concurrency int
	dryRun      bool
}

type Option func(*Collector)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithConcurrency bounds the number of parallel deletes.
func WithConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithDryRun reports what would be swept without deleting.
func WithDryRun(dry bool) Option {
	return func(c *Collector) { c.dryRun = dry }
}

func New(s store.Store, opts ...Option) *Collector {
	c := &Collector{
		store:       s,
		logger:      zerolog.Nop(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect marks everything reachable from roots and the store's refs,
// then deletes the rest.
func (c *Collector) Collect(ctx context.Context, roots []digest.Digest) (Result, error) {
	refs, err := c.store.ListRefs()
	if err != nil {
		return Result{}, fmt.Errorf("list refs: %w", err)
	}
	for _, d := range refs {
		roots = append(roots, d)
	}

	live, err := c.Mark(ctx, roots)
	if err != nil {
		return Result{}, err
	}

	res, err := c.sweep(ctx, live)
	res.Live = len(live)
	res.DryRun = c.dryRun

	c.logger.Info().
		Int("live", res.Live).
		Int("swept", res.Swept).
		Str("freed", humanize.IBytes(uint64(res.Freed))).
		Bool("dry_run", c.dryRun).
		Msg("garbage collection finished")

	return res, err
}

// Mark returns the set of objects reachable from roots. Blobs are
// marked without being read; dirs and commits are read to follow their
// references.
func (c *Collector) Mark(ctx context.Context, roots []digest.Digest) (map[digest.Digest]struct{}, error) {
	live := make(map[digest.Digest]struct{})
	queue := make([]digest.Digest, 0, len(roots))
	for _, d := range roots {
		if !d.IsZero() {
			queue = append(queue, d)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, ok := live[d]; ok {
			continue
		}

		data, err := c.store.Get(ctx, d)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDangling, d)
		}
		if err != nil {
			return nil, fmt.Errorf("mark %s: %w", d, err)
		}
		live[d] = struct{}{}

		t, _, err := object.Unframe(data)
		if err != nil {
			return nil, fmt.Errorf("mark %s: %w", d, err)
		}

		switch t {
		case object.TypeDir:
			entries, err := object.DecodeDir(data)
			if err != nil {
				return nil, fmt.Errorf("mark %s: %w", d, err)
			}
			for _, e := range entries {
				if e.Kind == object.KindDir {
					queue = append(queue, e.Digest)
					continue
				}
				if err := c.markBlob(ctx, live, e.Digest); err != nil {
					return nil, err
				}
			}
		case object.TypeCommit:
			refs, err := object.References(data)
			if err != nil {
				return nil, fmt.Errorf("mark %s: %w", d, err)
			}
			queue = append(queue, refs...)
		}
	}

	return live, nil
}

func (c *Collector) markBlob(ctx context.Context, live map[digest.Digest]struct{}, d digest.Digest) error {
	if _, ok := live[d]; ok {
		return nil
	}
	ok, err := c.store.Has(ctx, d)
	if err != nil {
		return fmt.Errorf("mark %s: %w", d, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDangling, d)
	}
	live[d] = struct{}{}
	return nil
}

type candidate struct {
	digest digest.Digest
	size   int64
}

func (c *Collector) sweep(ctx context.Context, live map[digest.Digest]struct{}) (Result, error) {
	var garbage []candidate
	err := c.store.Walk(ctx, func(d digest.Digest, size int64) error {
		if _, ok := live[d]; !ok {
			garbage = append(garbage, candidate{digest: d, size: size})
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("walk store: %w", err)
	}

	var res Result
	if c.dryRun {
		for _, g := range garbage {
			res.Swept++
			res.Freed += g.size
		}
		return res, nil
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	p := pool.New().WithMaxGoroutines(c.concurrency)
	for _, g := range garbage {
		p.Go(func() {
			err := c.store.Delete(ctx, g.digest)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", g.digest, err))
				return
			}
			res.Swept++
			res.Freed += g.size
		})
	}
	p.Wait()

	return res, errs.ErrorOrNil()
}
