package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog so construction policy (level, output format,
// timestamps) lives in one place. It embeds zerolog.Logger, so call
// sites use the usual fluent API: log.Info().Str(...).Msg(...).
type Logger struct {
	zerolog.Logger
}

// New builds the process logger. Level is one of trace, debug, info,
// warn, error; unknown values fall back to info. Pretty output is for
// local development; production emits JSON lines.
func New(level string, pretty bool) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}

	zl := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return Logger{zl}
}

// Component returns a child logger tagged with the subsystem name.
func (l Logger) Component(name string) Logger {
	return Logger{l.With().Str("component", name).Logger()}
}

// Nop returns a logger that discards everything. Tests use it to keep
// output quiet.
func Nop() Logger {
	return Logger{zerolog.Nop()}
}
