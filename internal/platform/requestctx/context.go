// Package requestctx carries request-scoped values shared by middleware and
// handlers without import cycles.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/bazaar-market/api/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/bazaar-market/api/internal/platform/requestctx/trace"
)

var noopLogger = zap.NewNop()

// TraceInfo identifies the span serving the request.
type TraceInfo struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a non-noop logger was stored on ctx.
func HasLogger(ctx context.Context) bool {
	return Logger(ctx) != noopLogger
}

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

type principalSlot struct {
	id string
}

const principalContextKey contextKey = "github.com/bazaar-market/api/internal/platform/requestctx/principal"

// WithPrincipalSlot reserves room for the caller id so outer middleware can
// read what authentication resolves further down the chain.
func WithPrincipalSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalContextKey, &principalSlot{})
}

// SetPrincipal records the authenticated caller id in the reserved slot.
func SetPrincipal(ctx context.Context, id string) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(principalContextKey).(*principalSlot); ok {
		slot.id = id
	}
}

// Principal returns the caller id recorded for the request, if any.
func Principal(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if slot, ok := ctx.Value(principalContextKey).(*principalSlot); ok {
		return slot.id
	}
	return ""
}
