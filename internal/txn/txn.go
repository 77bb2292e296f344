// Package txn runs deployment transactions.
//
// A transaction resolves a layering spec against a base commit, composes
// and commits the resulting tree, and registers it as the staged
// deployment. The registry rename is the only commit point: anything a
// transaction writes before it is unreachable garbage that the next
// recovery or prune collects.
package txn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/avast/retry-go"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"

	"github.com/aweris/stratum/internal/bootloader"
	"github.com/aweris/stratum/internal/checkout"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/object"
	"github.com/aweris/stratum/internal/osrelease"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/registry"
	"github.com/aweris/stratum/internal/store"
	"github.com/aweris/stratum/internal/tree"
)

const (
	opResolve  = "resolve"
	opCompose  = "compose"
	opCommit   = "commit"
	opRegister = "register"
	opFinalize = "finalize"
)

// Store is the content store a transaction writes to.
type Store interface {
	store.Store
	RemoveTemp(ctx context.Context) (int, error)
}

// Request describes the deployment a transaction should produce.
type Request struct {
	OSName string
	// Base is the base commit the spec is layered onto. An empty spec
	// deploys the base commit itself.
	Base    digest.Digest
	Spec    layering.Spec
	Subject string
	Pin     bool
}

// Result describes a finalized transaction.
type Result struct {
	ID         string
	Deployment registry.Deployment
	Commit     digest.Digest
	Tree       digest.Digest
	Packages   []pkgmgr.Package
	Changes    int
	// Warnings are failures after the commit point, such as the boot
	// loader not accepting the new default. The deployment exists.
	Warnings []error
}

// ProgressFunc is called whenever a transaction enters a phase.
type ProgressFunc func(ctx context.Context, id string, phase Phase)

// Manager runs transactions and the maintenance operations that must
// not overlap with them.
type Manager struct {
	store     Store
	registry  *registry.Registry
	resolver  *layering.Resolver
	composer  *tree.Composer
	scratch   string
	notifier  bootloader.Notifier
	checkout  *checkout.Checkout
	deployDir string
	progress  ProgressFunc
	logger    zerolog.Logger
	attempts  uint
	delay     time.Duration
	gcWorkers int
	now       func() time.Time
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithNotifier(n bootloader.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithCheckout materializes every new deployment under dir before it
// is registered.
func WithCheckout(co *checkout.Checkout, dir string) Option {
	return func(m *Manager) {
		m.checkout = co
		m.deployDir = dir
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) { m.progress = fn }
}

// WithNotifyRetry sets how the boot loader notification is retried.
func WithNotifyRetry(attempts uint, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		m.delay = delay
	}
}

func WithGCConcurrency(n int) Option {
	return func(m *Manager) { m.gcWorkers = n }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New returns a Manager. Scratch directories for running transactions
// are created below scratchDir.
func New(s Store, reg *registry.Registry, r *layering.Resolver, c *tree.Composer, scratchDir string, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		registry:  reg,
		resolver:  r,
		composer:  c,
		scratch:   scratchDir,
		notifier:  bootloader.Nop{},
		logger:    zerolog.Nop(),
		attempts:  3,
		delay:     time.Second,
		gcWorkers: 8,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeployPath returns where a deployment is checked out, or "" when
// checkouts are disabled.
func (m *Manager) DeployPath(id string) string {
	if m.checkout == nil {
		return ""
	}
	return filepath.Join(m.deployDir, id)
}

type transaction struct {
	id      string
	dir     string
	req     Request
	journal *Journal
	logger  zerolog.Logger

	state      *registry.State
	base       *object.Commit
	resolution *layering.Resolution
	tree       digest.Digest
	commit     digest.Digest
	deployment registry.Deployment
	checkedOut string
	registered bool

	phase    Phase
	err      *PhaseError
	warnings []error
}

// Run executes one transaction while holding the registry lock.
func (m *Manager) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Base.IsZero() {
		return nil, ErrNoBase
	}

	lock, err := m.registry.Lock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to release registry lock")
		}
	}()

	t, err := m.open(req)
	if err != nil {
		return nil, err
	}

	g := herd.DAG()
	for _, op := range []struct {
		name string
		deps []string
		fn   func(context.Context) error
	}{
		{opResolve, nil, m.step(t, PhaseResolving, m.resolve)},
		{opCompose, []string{opResolve}, m.step(t, PhaseComposing, m.compose)},
		{opCommit, []string{opCompose}, m.step(t, PhaseCommitting, m.commitTree)},
		{opRegister, []string{opCommit}, m.step(t, PhaseRegistering, m.register)},
		{opFinalize, []string{opRegister}, m.finalizeStep(t)},
	} {
		opts := []herd.OpOption{herd.WithCallback(op.fn)}
		if len(op.deps) > 0 {
			opts = append(opts, herd.WithDeps(op.deps...))
		}
		if err := g.Add(op.name, opts...); err != nil {
			m.cleanup(t)
			return nil, fmt.Errorf("build transaction graph: %w", err)
		}
	}

	runErr := g.Run(ctx)
	t.logger.Debug().Msg("transaction graph\n" + WriteDAG(g))

	if t.err == nil && runErr != nil && !t.registered {
		t.err = phaseError(t.id, t.phase, runErr)
	}
	if t.err != nil {
		m.abort(t)
		return nil, t.err
	}

	res := &Result{
		ID:         t.id,
		Deployment: t.deployment,
		Commit:     t.commit,
		Tree:       t.tree,
		Packages:   t.resolution.Packages,
		Changes:    len(t.resolution.Diff),
		Warnings:   t.warnings,
	}
	return res, nil
}

func (m *Manager) open(req Request) (*transaction, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate transaction id: %w", err)
	}
	id := u.String()

	state, err := m.registry.Load()
	if err != nil {
		return nil, phaseError(id, PhaseOpened, err)
	}

	dir := filepath.Join(m.scratch, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, phaseError(id, PhaseOpened, fmt.Errorf("create scratch dir: %w", err))
	}

	now := m.now().UTC()
	t := &transaction{
		id:    id,
		dir:   dir,
		req:   req,
		state: state,
		phase: PhaseOpened,
		journal: &Journal{
			ID:      id,
			OSName:  req.OSName,
			Base:    req.Base,
			Spec:    req.Spec.Strings(),
			Phase:   PhaseOpened,
			Started: now,
			Updated: now,
		},
		logger: m.logger.With().Str("txn", id).Logger(),
	}
	if err := writeJournal(dir, t.journal); err != nil {
		m.cleanup(t)
		return nil, phaseError(id, PhaseOpened, err)
	}

	t.logger.Info().
		Str("osname", req.OSName).
		Str("base", req.Base.Short()).
		Strs("spec", req.Spec.Strings()).
		Uint64("generation", state.Generation).
		Msg("transaction opened")
	return t, nil
}

// enter records a phase transition in the journal.
func (m *Manager) enter(ctx context.Context, t *transaction, phase Phase) error {
	t.phase = phase
	t.journal.Phase = phase
	t.journal.Updated = m.now().UTC()
	t.logger.Debug().Str("phase", string(phase)).Msg("entering phase")

	if m.progress != nil {
		m.progress(ctx, t.id, phase)
	}
	return writeJournal(t.dir, t.journal)
}

// step wraps a phase so it runs only if every earlier phase succeeded
// and the context is still live.
func (m *Manager) step(t *transaction, phase Phase, fn func(context.Context, *transaction) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if t.err != nil {
			return t.err
		}
		if err := m.enter(ctx, t, phase); err != nil {
			t.err = phaseError(t.id, phase, err)
			return t.err
		}
		if err := ctx.Err(); err != nil {
			t.err = phaseError(t.id, phase, err)
			return t.err
		}
		if err := fn(ctx, t); err != nil {
			t.err = phaseError(t.id, phase, err)
			return t.err
		}
		return nil
	}
}

func (m *Manager) resolve(ctx context.Context, t *transaction) error {
	base, err := object.ReadCommit(ctx, m.store, t.req.Base)
	if err != nil {
		return fmt.Errorf("read base commit %s: %w", t.req.Base.Short(), err)
	}
	if base.Layered() {
		return fmt.Errorf("%s is a layered commit, layer onto its base %s instead", t.req.Base.Short(), base.Base.Short())
	}
	t.base = base

	res, err := m.resolver.Resolve(ctx, base, t.req.Spec)
	if err != nil {
		return err
	}
	t.resolution = res

	t.logger.Info().
		Strs("packages", layering.PackageStrings(res.Packages)).
		Int("changes", len(res.Diff)).
		Msg("layering spec resolved")
	return nil
}

func (m *Manager) compose(ctx context.Context, t *transaction) error {
	if t.req.Spec.IsEmpty() {
		t.tree = t.base.Tree
		return nil
	}

	if err := m.composer.Validate(t.resolution.Diff); err != nil {
		return err
	}

	digests := make([]digest.Digest, 0, len(t.resolution.Payload))
	for d := range t.resolution.Payload {
		digests = append(digests, d)
	}
	slices.Sort(digests)

	payload := make([][]byte, len(digests))
	for i, d := range digests {
		payload[i] = t.resolution.Payload[d]
	}
	if _, err := m.store.PutMulti(ctx, payload); err != nil {
		return fmt.Errorf("store package content: %w", err)
	}

	root, err := m.composer.Compose(ctx, t.base.Tree, t.resolution.Diff)
	if err != nil {
		return err
	}
	t.tree = root
	return nil
}

func (m *Manager) commitTree(ctx context.Context, t *transaction) error {
	now := m.now().UTC()

	version := t.base.Version
	if info, err := osrelease.FromSnapshot(ctx, tree.NewSnapshot(m.store, t.tree)); err != nil {
		t.logger.Warn().Err(err).Msg("failed to read os-release")
	} else if info != nil && info.DisplayVersion() != "" {
		version = info.DisplayVersion()
	}

	if t.req.Spec.IsEmpty() {
		t.commit = t.req.Base
	} else {
		c := &object.Commit{
			Tree:         t.tree,
			Parent:       t.req.Base,
			Base:         t.req.Base,
			Origin:       object.OriginLayered,
			Ref:          LayeredRef(t.req.OSName),
			Subject:      t.req.Subject,
			Timestamp:    now.Unix(),
			Generation:   t.base.Generation + 1,
			OSName:       t.req.OSName,
			Version:      version,
			Spec:         t.req.Spec.Strings(),
			Packages:     layering.PackageStrings(t.resolution.Packages),
			SpecChecksum: t.resolution.Checksum,
		}
		d, err := object.WriteCommit(ctx, m.store, c)
		if err != nil {
			return fmt.Errorf("write commit: %w", err)
		}
		t.commit = d
	}

	serial := t.state.NextSerial(t.req.OSName, t.commit)
	t.deployment = registry.Deployment{
		ID:           registry.DeploymentID(t.req.OSName, t.commit, serial),
		OSName:       t.req.OSName,
		Serial:       serial,
		Commit:       t.commit,
		BaseCommit:   t.req.Base,
		Spec:         t.req.Spec.Strings(),
		Packages:     layering.PackageStrings(t.resolution.Packages),
		SpecChecksum: t.resolution.Checksum,
		Version:      version,
		Pinned:       t.req.Pin,
		CreatedAt:    now,
	}

	if m.checkout != nil {
		path := m.DeployPath(t.deployment.ID)
		if err := m.checkout.Tree(ctx, t.tree, path); err != nil {
			return err
		}
		t.checkedOut = path
	}

	t.journal.Commit = t.commit
	t.journal.Deployment = t.deployment.ID
	if err := writeJournal(t.dir, t.journal); err != nil {
		return err
	}

	t.logger.Info().Str("commit", t.commit.Short()).Str("deployment", t.deployment.ID).Msg("commit written")
	return nil
}

func (m *Manager) register(_ context.Context, t *transaction) error {
	next := t.state.Clone()
	if err := next.Stage(t.deployment); err != nil {
		return err
	}
	if err := m.registry.Replace(t.state.Generation, next); err != nil {
		return err
	}

	t.registered = true
	t.state = next
	t.logger.Info().
		Str("deployment", t.deployment.ID).
		Uint64("generation", next.Generation).
		Msg("deployment registered")
	return nil
}

// finalizeStep runs after the commit point. It cannot abort the
// transaction; failures become warnings.
func (m *Manager) finalizeStep(t *transaction) func(context.Context) error {
	return func(ctx context.Context) error {
		if t.err != nil || !t.registered {
			return t.err
		}
		ctx = context.WithoutCancel(ctx)

		t.phase = PhaseFinalized
		if m.progress != nil {
			m.progress(ctx, t.id, PhaseFinalized)
		}

		if t.req.Spec.IsEmpty() {
			if err := m.store.PutRef(BaseRef(t.req.OSName), t.commit); err != nil {
				t.warn(fmt.Errorf("update ref: %w", err))
			}
		} else if err := m.store.PutRef(LayeredRef(t.req.OSName), t.commit); err != nil {
			t.warn(fmt.Errorf("update ref: %w", err))
		}

		if err := m.Notify(ctx, t.deployment); err != nil {
			t.warn(fmt.Errorf("boot loader: %w", err))
		}

		m.cleanup(t)
		t.logger.Info().Str("deployment", t.deployment.ID).Int("warnings", len(t.warnings)).Msg("transaction finalized")
		return nil
	}
}

func (t *transaction) warn(err error) {
	t.warnings = append(t.warnings, err)
	t.logger.Warn().Err(err).Msg("transaction finalized with warnings")
}

// Notify tells the boot loader that d is the new default, retrying
// transient failures.
func (m *Manager) Notify(ctx context.Context, d registry.Deployment) error {
	entry := bootloader.Entry{
		ID:      d.ID,
		OSName:  d.OSName,
		Commit:  d.Commit,
		Version: d.Version,
		Path:    m.DeployPath(d.ID),
	}
	return retry.Do(
		func() error { return m.notifier.NotifyNewDefault(ctx, entry) },
		retry.Context(ctx),
		retry.Attempts(m.attempts),
		retry.Delay(m.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Debug().Err(err).Uint("attempt", n+1).Msg("retrying boot loader notification")
		}),
	)
}

func (m *Manager) abort(t *transaction) {
	t.journal.Phase = PhaseAborted
	t.logger.Error().Err(t.err.Err).Str("phase", string(t.err.Phase)).Msg("transaction aborted")

	if t.checkedOut != "" && t.err.Consistency == ConsistencyIntact {
		if err := m.checkout.Remove(t.checkedOut); err != nil {
			t.logger.Warn().Err(err).Str("path", t.checkedOut).Msg("failed to remove checkout")
		}
	}
	m.cleanup(t)
}

func (m *Manager) cleanup(t *transaction) {
	if err := os.RemoveAll(t.dir); err != nil {
		t.logger.Warn().Err(err).Str("path", t.dir).Msg("failed to remove scratch dir")
	}
}

// BaseRef names the ref tracking the newest base commit of osname.
func BaseRef(osname string) string { return osname + "/base" }

// LayeredRef names the ref tracking the newest layered commit of osname.
func LayeredRef(osname string) string { return osname + "/layered" }

// WriteDAG renders the transaction graph for debugging.
func WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s)\n", op.Name, op.Error.Error())
			} else {
				out += fmt.Sprintf(" <%s>\n", op.Name)
			}
		}
	}
	return
}
