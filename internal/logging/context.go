package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepNameKey
	attemptKey
)

// WithRunID returns a context with the workflow run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepName returns a context with the step name set.
func WithStepName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepNameKey, name)
}

// WithAttempt returns a context with the retry attempt number set.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// StepName extracts the step name from the context, or "" if absent.
func StepName(ctx context.Context) string {
	v, _ := ctx.Value(stepNameKey).(string)
	return v
}

// Attempt extracts the retry attempt from the context, or -1 if absent.
func Attempt(ctx context.Context) int {
	v, ok := ctx.Value(attemptKey).(int)
	if !ok {
		return -1
	}
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only present values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if name := StepName(ctx); name != "" {
		logger = logger.With(slog.String("step", name))
	}
	if attempt := Attempt(ctx); attempt >= 0 {
		logger = logger.With(slog.Int("attempt", attempt))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID
// injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := StepName(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	if v := Attempt(ctx); v >= 0 {
		r.AddAttrs(slog.Int("attempt", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
