// Package logging configures the process-wide zerolog logger. Every
// stage logs through a *zerolog.Logger threaded in via constructor
// parameters, never a package-level singleton, matching the explicit
// per-task-closure guidance carried from the source design notes.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (os.Stderr in production,
// a bytes.Buffer in tests) at the given level. Output is always JSON,
// whatever kind of stream w is.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component field, the
// convention used throughout this module to scope log lines to a
// stage (ingester, backfiller, indexer, queue, admin).
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
