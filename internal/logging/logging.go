// Package logging provides the structured logger used by every component of
// the pool supervisor. It wraps zerolog the same way the rest of the stack
// does: one process-wide logger, per-component children via WithComponent.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger from a level string ("debug",
// "info", "warn", "error"). Unknown or empty levels fall back to info.
func Init(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
		fmt.Fprintf(os.Stderr, "unknown log level %q, defaulting to info\n", level)
	}

	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
	}

	log.Logger = zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
	Info().Str("level", parsed.String()).Msg("logger initialized")
	return nil
}

// WithComponent returns a child logger tagged with a component name, used to
// distinguish log lines emitted by the registry, the worker loop, the
// sweeper, the HTTP API, and so on.
func WithComponent(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }
func Fatal() *zerolog.Event { return log.Fatal() }
