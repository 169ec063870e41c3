package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logger behavior.
type Config struct {
	Verbose   bool   // console output for development
	Level     string // debug|info|warn|error
	Component string // service name attached to every line
	Out       io.Writer
	TimeFunc  func() time.Time // injected for deterministic tests
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.TimeFunc == nil {
		cfg.TimeFunc = time.Now
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = cfg.TimeFunc

	w := cfg.Out
	if cfg.Verbose {
		w = zerolog.ConsoleWriter{
			Out:        cfg.Out,
			TimeFormat: time.RFC3339,
		}
	}

	base := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().
		Timestamp().
		Str("component", cfg.Component).
		Logger()

	log.Logger = base
	return base
}

// For returns a child of the global logger scoped to one publisher or
// subscriber.
func For(kind, name string) zerolog.Logger {
	return log.With().
		Str("kind", kind).
		Str("name", name).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
