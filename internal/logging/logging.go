// Package logging wires up the process-wide zerolog logger, the way
// rcourtman-Pulse's proxy commands do: a console writer for interactive
// use, switchable to JSON for production/unattended runs.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the timestamped base logger; callers derive sub-loggers with
// their own fields (component, session_id, ...). When json is false (the default
// for an interactive terminal), output is a human-readable console writer;
// otherwise raw JSON lines suitable for log aggregation.
func New(json bool, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer = os.Stderr
	if !json {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps a config string to a zerolog.Level, defaulting to Info
// for an empty or unrecognized value.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
