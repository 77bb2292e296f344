// Package bootloader tells the boot-loader writer which deployment
// should boot next. Writing the actual boot entries is the writer's job.
package bootloader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/aweris/stratum/internal/digest"
)

// Entry describes the new default deployment.
type Entry struct {
	ID      string
	OSName  string
	Commit  digest.Digest
	Version string
	// Path is the checked-out root, empty when deployments are not
	// materialized.
	Path string
}

// Notifier receives new-default notifications.
type Notifier interface {
	NotifyNewDefault(ctx context.Context, e Entry) error
}

// Nop discards notifications.
type Nop struct{}

func (Nop) NotifyNewDefault(context.Context, Entry) error { return nil }

// Command runs an external program per notification. The entry is
// passed through STRATUM_* environment variables.
type Command struct {
	Argv []string
}

// NewCommand splits a configured command line on whitespace. An empty
// line yields Nop.
func NewCommand(line string) Notifier {
	argv := strings.Fields(line)
	if len(argv) == 0 {
		return Nop{}
	}
	return &Command{Argv: argv}
}

func (c *Command) NotifyNewDefault(ctx context.Context, e Entry) error {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = append(os.Environ(),
		"STRATUM_DEPLOYMENT="+e.ID,
		"STRATUM_OSNAME="+e.OSName,
		"STRATUM_COMMIT="+e.Commit.String(),
		"STRATUM_VERSION="+e.Version,
		"STRATUM_DEPLOY_PATH="+e.Path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", c.Argv[0], err)
	}
	return nil
}
