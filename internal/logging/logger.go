// Package logging defines a minimal structured-logging interface used across
// the project. Implementations wrap slog and zap.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "intent created", "intent_id", id, "principal_id", pid)
//
// Callers must never pass payload plaintext, derived keys, the master secret
// or raw tokens as values.
type Logger interface {
	// Debug logs verbose diagnostics, normally disabled in production.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}

// New builds the process logger. format is "json" (zap, the default) or
// "text" (slog text handler, handy on a developer terminal).
func New(level, format string, w io.Writer) (Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	switch strings.ToLower(format) {
	case "", "json":
		return NewZapLogger(level, w)
	case "text":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
		h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
		return NewSlogLogger(slog.New(h)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
