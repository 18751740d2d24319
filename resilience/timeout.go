package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Timeout bounds each call it wraps. A non-positive Timeout does not bound
// anything.
type Timeout time.Duration

// Execute runs op under a derived deadline. When that deadline, rather than
// the caller's context, ended the call the error wraps ErrTimeout.
func (t Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	if t <= 0 {
		return op(ctx)
	}
	d := time.Duration(t)
	expired := fmt.Errorf("%w after %s", ErrTimeout, d)
	opCtx, cancel := context.WithTimeoutCause(ctx, d, expired)
	defer cancel()

	err := op(opCtx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if cause := context.Cause(opCtx); errors.Is(cause, ErrTimeout) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

// ExecuteWithTimeout runs op with a single deadline.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	return Timeout(timeout).Execute(ctx, op)
}
