package observability

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var configuredLevel atomic.Pointer[zerolog.Level]

// SetLevel fixes the level of every logger NewLogger creates from now on,
// overriding SAFE_LOG_LEVEL. An empty s falls back to the environment.
func SetLevel(s string) {
	if s == "" {
		configuredLevel.Store(nil)
		return
	}
	level := ParseLogLevel(s)
	configuredLevel.Store(&level)
}

// CurrentLevel is the level NewLogger uses.
func CurrentLevel() zerolog.Level {
	if l := configuredLevel.Load(); l != nil {
		return *l
	}
	return ParseLogLevel(os.Getenv("SAFE_LOG_LEVEL"))
}

// NewLogger creates a structured JSON logger for one component.
// Level is the one given to SetLevel, else SAFE_LOG_LEVEL (default info).
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, CurrentLevel())
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, level)
}

// NewLoggerTo writes to w; tests pass a buffer or io.Discard.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps debug|info|warn|error to a zerolog level, defaulting to info.
func ParseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
