package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	sequenceIDKey
	operatorKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithSequenceID returns a context with the sequence ID set.
func WithSequenceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sequenceIDKey, id)
}

// WithOperator returns a context with the running operator name set.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operatorKey, name)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// SequenceID extracts the sequence ID from the context, or "" if absent.
func SequenceID(ctx context.Context) string {
	v, _ := ctx.Value(sequenceIDKey).(string)
	return v
}

// Operator extracts the operator name from the context, or "" if absent.
func Operator(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		out = append(out, slog.String("execution_id", v))
	}
	if v := SequenceID(ctx); v != "" {
		out = append(out, slog.String("sequence_id", v))
	}
	if v := Operator(ctx); v != "" {
		out = append(out, slog.String("operator", v))
	}
	return out
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Callers log with logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// Discard returns l, or a logger that drops everything when l is nil.
func Discard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
