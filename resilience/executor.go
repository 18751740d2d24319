package resilience

import (
	"context"
	"time"
)

// Executor composes resilience patterns around a call. The zero value
// calls op directly.
type Executor struct {
	limiter  *RateLimiter
	bulkhead *Bulkhead
	breaker  *CircuitBreaker
	retry    *Retry
	timeout  Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = rl }
}

func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) { e.bulkhead = b }
}

// WithCircuitBreaker sits outside retry, so one exhausted retry sequence
// counts as a single failure.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.breaker = cb }
}

func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) { e.retry = r }
}

// WithTimeout bounds each attempt. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = Timeout(timeout) }
}

type layer func(ctx context.Context, op func(context.Context) error) error

// layers returns the configured patterns, outermost first.
func (e *Executor) layers() []layer {
	var out []layer
	if e.limiter != nil {
		out = append(out, e.limiter.Execute)
	}
	if e.bulkhead != nil {
		out = append(out, e.bulkhead.Execute)
	}
	if e.breaker != nil {
		out = append(out, e.breaker.Execute)
	}
	if e.retry != nil {
		out = append(out, e.retry.Execute)
	}
	if e.timeout > 0 {
		out = append(out, e.timeout.Execute)
	}
	return out
}

// Execute runs op through rate limiter, bulkhead, circuit breaker, retry
// and per-attempt timeout, in that order from the outside in.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	call := op
	layers := e.layers()
	for i := len(layers) - 1; i >= 0; i-- {
		wrap, inner := layers[i], call
		call = func(ctx context.Context) error { return wrap(ctx, inner) }
	}
	return call(ctx)
}
