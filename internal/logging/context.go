package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if chainID := ChainIDFromContext(ctx); chainID != "" {
		fields = append(fields, zap.String("chain.id", chainID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type sessionCtxKey struct{}
type chainCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore, dot and colon.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidID reports whether id is safe to attach to log records.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLen && utf8.ValidString(id) && idPattern.MatchString(id)
}

func withID(ctx context.Context, key any, id string) context.Context {
	if !ValidID(id) {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFromContext(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds a session ID to ctx. Invalid IDs are ignored.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionCtxKey{}, sessionID)
}

// SessionIDFromContext extracts the session ID from ctx.
func SessionIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, sessionCtxKey{})
}

// WithChainID adds a task chain ID to ctx. Invalid IDs are ignored.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return withID(ctx, chainCtxKey{}, chainID)
}

// ChainIDFromContext extracts the task chain ID from ctx.
func ChainIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, chainCtxKey{})
}

// WithRequestID adds a request ID to ctx. Invalid IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	return idFromContext(ctx, requestCtxKey{})
}
