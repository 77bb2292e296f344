package stratum

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aweris/stratum/internal/bootloader"
	"github.com/aweris/stratum/internal/compression"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/pkgmgr"
	"github.com/aweris/stratum/internal/remote"
	"github.com/aweris/stratum/internal/tree"
)

// DefaultOSName is used when neither an option nor a manifest names one.
const DefaultOSName = "default"

// OpenOptions configures a Sysroot.
type OpenOptions struct {
	OSName           string
	Algorithm        digest.Algorithm
	Compression      compression.Codec
	CompressionLevel int
	CacheSize        int
	Concurrency      int

	Allowlist []string
	Collision layering.CollisionPolicy

	PackageManager pkgmgr.Manager
	Notifier       bootloader.Notifier
	NotifyAttempts uint
	Checkout       bool

	RegistryUsername string
	RegistryPassword string

	Logger zerolog.Logger
}

// OpenOption is a functional option for configuring Open.
type OpenOption func(*OpenOptions)

func defaultOptions() *OpenOptions {
	return &OpenOptions{
		OSName:         DefaultOSName,
		Compression:    compression.Zstd,
		Concurrency:    remote.DefaultConcurrency,
		Allowlist:      tree.DefaultAllowlist,
		Collision:      layering.CollisionReplace,
		Notifier:       bootloader.Nop{},
		NotifyAttempts: 3,
		Logger:         zerolog.Nop(),
	}
}

// WithOSName sets the stateroot used when an operation does not name one.
func WithOSName(name string) OpenOption {
	return func(o *OpenOptions) {
		if name != "" {
			o.OSName = name
		}
	}
}

// WithAlgorithm sets the digest algorithm of a new repository, sha256 when
// unset. Existing repositories keep the algorithm they were created with;
// naming a different one is an error.
func WithAlgorithm(a digest.Algorithm) OpenOption {
	return func(o *OpenOptions) { o.Algorithm = a }
}

// WithCompression sets the codec new objects are written with.
func WithCompression(c compression.Codec, level int) OpenOption {
	return func(o *OpenOptions) {
		o.Compression = c
		o.CompressionLevel = level
	}
}

// WithCacheSize sets the number of objects kept in the read cache.
func WithCacheSize(n int) OpenOption {
	return func(o *OpenOptions) { o.CacheSize = n }
}

// WithConcurrency sets the number of parallel operations for store
// writes, garbage collection and image transfers.
func WithConcurrency(n int) OpenOption {
	return func(o *OpenOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithAllowlist limits layered packages to the given top-level
// directories. No roots allows everything.
func WithAllowlist(roots ...string) OpenOption {
	return func(o *OpenOptions) { o.Allowlist = roots }
}

// WithCollisionPolicy decides what happens when a layered package ships
// a file the base already has.
func WithCollisionPolicy(p layering.CollisionPolicy) OpenOption {
	return func(o *OpenOptions) { o.Collision = p }
}

// WithPackageManager sets the service layered packages are resolved and
// installed through.
func WithPackageManager(m pkgmgr.Manager) OpenOption {
	return func(o *OpenOptions) { o.PackageManager = m }
}

// WithNotifier sets the boot loader writer told about new defaults.
func WithNotifier(n bootloader.Notifier) OpenOption {
	return func(o *OpenOptions) {
		if n != nil {
			o.Notifier = n
		}
	}
}

func WithNotifyAttempts(n uint) OpenOption {
	return func(o *OpenOptions) { o.NotifyAttempts = n }
}

// WithCheckout materializes every deployment under <sysroot>/deploy.
func WithCheckout(enabled bool) OpenOption {
	return func(o *OpenOptions) { o.Checkout = enabled }
}

// WithRegistryAuth sets basic auth for image fetch and export. Without
// it the default keychain is used.
func WithRegistryAuth(username, password string) OpenOption {
	return func(o *OpenOptions) {
		o.RegistryUsername = username
		o.RegistryPassword = password
	}
}

func WithLogger(l zerolog.Logger) OpenOption {
	return func(o *OpenOptions) { o.Logger = l }
}

// DefaultSysroot returns the sysroot used when none is configured.
func DefaultSysroot() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "stratum")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "stratum")
	}
	return ".stratum"
}

type (
	// PackageManager resolves and installs layered packages.
	PackageManager = pkgmgr.Manager
	// Notifier is told when the default deployment changes.
	Notifier = bootloader.Notifier
)

// LoadCatalog reads a YAML package catalog.
func LoadCatalog(path string) (PackageManager, error) {
	c, err := pkgmgr.LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ParseCatalog parses a YAML package catalog.
func ParseCatalog(data []byte) (PackageManager, error) {
	c, err := pkgmgr.ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewPacman returns a package manager driving the pacman binary.
// Install roots are created below scratchDir.
func NewPacman(scratchDir string, logger zerolog.Logger) PackageManager {
	return pkgmgr.NewPacman(pkgmgr.WithScratchDir(scratchDir), pkgmgr.WithPacmanLogger(logger))
}

// CommandNotifier runs a command line for every new default. An empty
// line notifies nothing.
func CommandNotifier(line string) Notifier {
	return bootloader.NewCommand(line)
}
