package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger writes JSON lines to stdout at the given level, falling back to
// info for unknown levels.
func NewLogger(level string) zerolog.Logger {
	return New(os.Stdout, level)
}

func New(w io.Writer, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Str("service", "swarmq").Logger().Level(logLevel)
}

// Component tags every entry with the emitting subsystem.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
