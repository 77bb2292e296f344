package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/stratum"
	"github.com/aweris/stratum/internal/compression"
	"github.com/aweris/stratum/internal/digest"
	"github.com/aweris/stratum/internal/layering"
	"github.com/aweris/stratum/internal/logging"
	"github.com/aweris/stratum/internal/tree"
)

var rootCmd = &cobra.Command{
	Use:   "stratum",
	Short: "Layered OS deployments on a content-addressed repository",
	Long: "stratum composes bootable deployments from a base image commit plus layered " +
		"packages, and moves between them with upgrade, rollback, pin and prune.",
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/stratum/config.yaml)")
	flags.String("sysroot", "", "sysroot directory (default: ~/.local/share/stratum)")
	flags.String("osname", "", "stateroot used when an operation does not name one")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console, json)")
	flags.String("digest", "", "digest algorithm of a new repository (sha256, blake3), default sha256")
	flags.String("compression", "zstd", "object compression (none, zstd, lz4)")
	flags.Int("compression-level", 0, "compression level, 0 for the codec default")
	flags.StringSlice("allowlist", tree.DefaultAllowlist, "top-level directories layered packages may write")
	flags.String("collision", "replace", "what to do when a package ships a base file (replace, reject)")
	flags.String("bootloader-command", "", "command run when the default deployment changes")
	flags.String("catalog", "", "resolve packages from a YAML catalog")
	flags.Bool("pacman", false, "resolve and install packages with pacman")
	flags.Int("concurrency", 0, "parallel store, gc and registry operations")
	flags.Bool("checkout", false, "materialize deployments under <sysroot>/deploy")
	flags.String("registry-username", "", "username for image registries")
	flags.String("registry-password", "", "password for image registries")

	for key, flag := range map[string]string{
		"sysroot":            "sysroot",
		"osname":             "osname",
		"log_level":          "log-level",
		"log_format":         "log-format",
		"digest":             "digest",
		"compression":        "compression",
		"compression_level":  "compression-level",
		"allowlist":          "allowlist",
		"collision":          "collision",
		"bootloader_command": "bootloader-command",
		"catalog":            "catalog",
		"pacman":             "pacman",
		"concurrency":        "concurrency",
		"checkout":           "checkout",
		"registry_username":  "registry-username",
		"registry_password":  "registry-password",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STRATUM")
	viper.AutomaticEnv()
	viper.SetDefault("sysroot", stratum.DefaultSysroot())
	viper.SetDefault("retain", 2)

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stratum")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "stratum")
	}
	return ".stratum"
}

func logger() zerolog.Logger {
	return logging.Stderr(viper.GetString("log_level"), logging.Format(viper.GetString("log_format")))
}

// openSysroot opens the configured sysroot. Callers close it.
func openSysroot() (*stratum.Sysroot, error) {
	log := logger()

	// An empty algorithm keeps whatever the repository was created with.
	var algo digest.Algorithm
	if name := viper.GetString("digest"); name != "" {
		a, err := digest.ParseAlgorithm(name)
		if err != nil {
			return nil, err
		}
		algo = a
	}
	codec, err := compression.ParseCodec(viper.GetString("compression"))
	if err != nil {
		return nil, err
	}
	collision, err := layering.ParseCollisionPolicy(viper.GetString("collision"))
	if err != nil {
		return nil, err
	}

	sysroot := viper.GetString("sysroot")
	opts := []stratum.OpenOption{
		stratum.WithLogger(log),
		stratum.WithOSName(viper.GetString("osname")),
		stratum.WithAlgorithm(algo),
		stratum.WithCompression(codec, viper.GetInt("compression_level")),
		stratum.WithConcurrency(viper.GetInt("concurrency")),
		stratum.WithAllowlist(viper.GetStringSlice("allowlist")...),
		stratum.WithCollisionPolicy(collision),
		stratum.WithNotifier(stratum.CommandNotifier(viper.GetString("bootloader_command"))),
		stratum.WithCheckout(viper.GetBool("checkout")),
		stratum.WithRegistryAuth(viper.GetString("registry_username"), viper.GetString("registry_password")),
	}

	switch {
	case viper.GetString("catalog") != "" && viper.GetBool("pacman"):
		return nil, errors.New("--catalog and --pacman are mutually exclusive")
	case viper.GetString("catalog") != "":
		catalog, err := stratum.LoadCatalog(viper.GetString("catalog"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, stratum.WithPackageManager(catalog))
	case viper.GetBool("pacman"):
		opts = append(opts, stratum.WithPackageManager(
			stratum.NewPacman(filepath.Join(sysroot, "repo", "tmp"), log),
		))
	}

	return stratum.Open(sysroot, opts...)
}

// withSysroot runs fn against the configured sysroot and closes it.
func withSysroot(fn func(*stratum.Sysroot) error) (err error) {
	sys, err := openSysroot()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sys.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(sys)
}
