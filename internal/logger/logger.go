// Package logger builds the service's zerolog loggers and carries them in
// request and job contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// New creates a human-readable console logger.
func New() zerolog.Logger {
	return NewJSON(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}

// NewJSON creates a logger emitting one JSON object per line to w.
func NewJSON(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// Setup builds the process logger for LOG_FORMAT ("json" or console) and
// applies LOG_LEVEL globally. Unknown levels fall back to info.
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		return NewJSON(os.Stdout)
	}
	return New()
}

// Component tags every entry of log with the emitting component.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WithContext stores log in ctx.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in ctx, or a console logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return New()
}

// WithDocument returns ctx whose logger carries document_id.
func WithDocument(ctx context.Context, documentID string) context.Context {
	log := FromContext(ctx).With().Str("document_id", documentID).Logger()
	return WithContext(ctx, log)
}
