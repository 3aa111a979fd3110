package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns a component logger on stdout. PREDICT_LOG_LEVEL sets
// the level (default info); PREDICT_LOG_FORMAT=console switches from JSON
// to the human-readable writer for local runs.
func NewLogger(component string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("PREDICT_LOG_FORMAT"), "console") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	return ComponentLogger(w, component, LogLevel(os.Getenv("PREDICT_LOG_LEVEL")))
}

// ComponentLogger builds a logger tagged with component on w.
func ComponentLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// LogLevel parses a level name; empty or unknown names give info.
func LogLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
