package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type requestIDKey struct{}
type taskIDKey struct{}
type boardIDKey struct{}
type columnIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRequestID attaches the identity of the originating caller. Actors
// spawned or messaged under this context carry the same request_id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts request_id from context. Returns "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureRequestID returns ctx unchanged when it already carries a request_id,
// otherwise attaches a fresh one.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if id := RequestID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithRequestID(ctx, id), id
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithBoardID attaches a board_id to the context.
func WithBoardID(ctx context.Context, boardID string) context.Context {
	return context.WithValue(ctx, boardIDKey{}, boardID)
}

// BoardID extracts board_id from context. Returns "" if absent.
func BoardID(ctx context.Context) string {
	if v, ok := ctx.Value(boardIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithColumnID attaches a column_id to the context.
func WithColumnID(ctx context.Context, columnID string) context.Context {
	return context.WithValue(ctx, columnIDKey{}, columnID)
}

// ColumnID extracts column_id from context. Returns "" if absent.
func ColumnID(ctx context.Context) string {
	if v, ok := ctx.Value(columnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the identity attributes present on ctx as slog key/value pairs.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := RequestID(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v := TaskID(ctx); v != "" {
		attrs = append(attrs, "task_id", v)
	}
	if v := BoardID(ctx); v != "" {
		attrs = append(attrs, "board_id", v)
	}
	if v := ColumnID(ctx); v != "" {
		attrs = append(attrs, "column_id", v)
	}
	return attrs
}
