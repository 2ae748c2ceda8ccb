// Package logging constructs the zerolog loggers used by commands and tests.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel names the environment variable that overrides the log level.
const EnvLogLevel = "GDP_LOG_LEVEL"

// Options control logger construction.
type Options struct {
	Out     io.Writer // default os.Stderr
	Level   zerolog.Level
	JSON    bool // emit JSON instead of console output
	NoColor bool
	App     string // if set, added to every entry as "app"
}

// New returns a logger configured by opts. The level from opts is replaced by
// the value of $GDP_LOG_LEVEL if it is set to a recognized level name.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    opts.NoColor,
		}
	}
	level := opts.Level
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger()
}

// ParseLevel parses a level name, reporting false if raw is not recognized.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
