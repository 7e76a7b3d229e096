// Package logging provides structured logging configuration using log/slog.
//
// Two identifiers are propagated through structured log entries: chi's
// request id for work started over HTTP, and the export run id attached to
// every isolated unit of export work. Either one lets all entries of a single
// run be correlated.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const ctxKeyRunID contextKey = "export_run_id"

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// Output goes to stdout; any extra writers (for example an opened log file)
// receive the same entries.
func Setup(level, format string, extra ...io.Writer) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var out io.Writer = os.Stdout
	if len(extra) > 0 {
		out = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ContextWithRunID attaches an export run id to ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, runID)
}

// RunIDFromContext returns the export run id stored in ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRunID).(string); ok {
		return v
	}
	return ""
}

// ContextWithRequestID stores id under chi's request id key, so work started
// outside HTTP (trigger files, CLI runs) logs the same way as a request.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, middleware.RequestIDKey, id)
}

// FromContext returns a logger enriched with request and run context.
//
// Usage:
//
//	logger := logging.FromContext(ctx)
//	logger.Info("export written", "type", t, "rows", n)
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	// Chi's RequestID middleware stores the ID in context
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		logger = logger.With("run_id", runID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	unitLogger := logging.WithFields(ctx,
//	    "date", date.Format(time.DateOnly),
//	    "type", exportType,
//	)
//	unitLogger.Info("unit started")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
