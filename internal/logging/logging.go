// Package logging builds the zerolog loggers the CLI hands to every
// component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New returns a logger writing to w at the given level. An empty level
// means info.
func New(w io.Writer, level string, format Format) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	out := w
	switch format {
	case FormatJSON:
	case FormatConsole, "":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q", format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// Stderr is New with os.Stderr, falling back to info on bad input.
func Stderr(level string, format Format) zerolog.Logger {
	l, err := New(os.Stderr, level, format)
	if err != nil {
		l, _ = New(os.Stderr, "", FormatConsole)
		l.Warn().Err(err).Msg("using default logger")
	}
	return l
}
