// Package logging wraps log/slog behind a process-global, atomically
// swappable logger so subsystems started before the CLI has parsed its
// flags can still log, and tests can substitute a capturing logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text" or "json"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// WithTrace returns a child logger tagged with a per-connection trace id,
// under the same "trace_id" key the proxy stamps on each accepted
// connection. l defaults to the global logger when nil.
func WithTrace(l *slog.Logger, traceID string) *slog.Logger {
	if l == nil {
		l = L()
	}
	return l.With("trace_id", traceID)
}
