package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig configures the retry behavior. Delays grow exponentially
// from InitialDelay, capped at MaxDelay.
type RetryConfig struct {
	// MaxAttempts counts the first call.
	// Default: 3
	MaxAttempts int

	// Default: 200ms
	InitialDelay time.Duration

	// Default: 5s
	MaxDelay time.Duration

	// Default: 2.0
	Multiplier float64

	// Jitter spreads each delay by up to 25% either way.
	Jitter bool

	// RetryIf reports whether err is transient. Errors marked with
	// Permanent and context cancellation are never retried.
	// Default: every other non-nil error.
	RetryIf func(err error) bool

	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// RetryAfterHint is implemented by errors that carry a server supplied
// wait, such as an HTTP 429 with Retry-After. The hint replaces the
// computed delay, capped at MaxDelay.
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

// Retry re-runs failed calls with exponential backoff.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a Retry with defaults applied.
func NewRetry(config RetryConfig) *Retry {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 200 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = func(err error) bool { return err != nil }
	}
	return &Retry{config: config}
}

// Execute runs op until it succeeds, fails permanently, or runs out of
// attempts. Exhaustion is reported as ErrMaxRetriesExceeded wrapping the
// last error; a permanent failure is returned as is, without the marker.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var (
		attempts int
		lastErr  error
		stopped  bool
	)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		lastErr = op(ctx)
		switch {
		case lastErr == nil:
			return struct{}{}, nil
		case !r.shouldRetry(lastErr):
			stopped = true
			return struct{}{}, backoff.Permanent(lastErr)
		}
		if d, ok := r.hint(lastErr); ok {
			return struct{}{}, &backoff.RetryAfterError{Duration: d}
		}
		return struct{}{}, lastErr
	},
		backoff.WithBackOff(r.schedule()),
		backoff.WithMaxTries(uint(r.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(_ error, delay time.Duration) {
			if r.config.OnRetry != nil {
				r.config.OnRetry(attempts, lastErr, delay)
			}
		}),
	)

	switch {
	case err == nil:
		return nil
	case stopped:
		return unwrapPermanent(lastErr)
	case attempts < r.config.MaxAttempts && ctx.Err() != nil:
		return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
	case r.config.MaxAttempts == 1:
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempts, lastErr)
}

func (r *Retry) shouldRetry(err error) bool {
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return r.config.RetryIf(err)
}

func (r *Retry) hint(err error) (time.Duration, bool) {
	var h RetryAfterHint
	if !errors.As(err, &h) {
		return 0, false
	}
	d := h.RetryAfter()
	if d <= 0 {
		return 0, false
	}
	return min(d, r.config.MaxDelay), true
}

func (r *Retry) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: r.config.InitialDelay,
		Multiplier:      r.config.Multiplier,
		MaxInterval:     r.config.MaxDelay,
	}
	if r.config.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

// Config returns the effective configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}
