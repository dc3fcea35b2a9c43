package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext returns a copy of ctx carrying logger.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	return FromContextOr(ctx, nil)
}

// FromContextOr returns the logger carried by ctx, or fallback when ctx has
// none. A nil fallback means slog.Default.
func FromContextOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return Or(fallback)
}

// WithRequestID tags the context logger, or base if ctx has none, with
// reqID.
func WithRequestID(ctx context.Context, base *slog.Logger, reqID string) context.Context {
	return WithContext(ctx, FromContextOr(ctx, base).With("req_id", reqID))
}
