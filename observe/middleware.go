package observe

import (
	"context"
	"time"
)

// ExecuteFunc is the signature of a tool operation.
type ExecuteFunc func(ctx context.Context, call Call, input any) (any, error)

// Middleware wraps tool operations with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe ExecuteFunc.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
//   - Ownership: input and output values are passed through without modification.
type Middleware struct {
	telemetry Telemetry
}

// NewMiddleware creates a Middleware from the given telemetry.
func NewMiddleware(t Telemetry) *Middleware {
	return &Middleware{telemetry: t.OrNop()}
}

// Wrap wraps an ExecuteFunc.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, call Call, input any) (any, error) {
		ctx, span := m.telemetry.Tracer.StartCall(ctx, call)
		start := time.Now()

		result, err := fn(ctx, call, input)

		duration := time.Since(start)
		m.telemetry.Tracer.EndSpan(span, err)
		m.telemetry.Metrics.RecordExecution(ctx, call, duration, err)

		logger := m.telemetry.Logger.WithCall(call)
		fields := []Field{{Key: "duration_ms", Value: millis(duration)}}
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err})
			logger.Error(ctx, "tool execution failed", fields...)
		} else {
			logger.Info(ctx, "tool execution completed", fields...)
		}
		return result, err
	}
}
