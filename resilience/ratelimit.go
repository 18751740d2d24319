package resilience

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of operations allowed per second.
	// Default: 100
	Rate float64

	// Burst is the maximum burst size.
	// Default: 10
	Burst int

	Now func() time.Time
}

// RateLimiter is a token bucket. A nil *RateLimiter allows everything.
type RateLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

// NewRateLimiter creates a limiter that starts with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RateLimiter{
		bucket: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		now:    config.Now,
	}
}

// NewIntervalLimiter allows one operation per interval with no burst. A
// non-positive interval returns nil, which always allows.
func NewIntervalLimiter(interval time.Duration, now func() time.Time) *RateLimiter {
	if interval <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{bucket: rate.NewLimiter(rate.Every(interval), 1), now: now}
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	return rl.bucket.AllowN(rl.now(), 1)
}

// Execute runs op when a token is available and fails with
// ErrRateLimitExceeded otherwise.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if !rl.Allow() {
		return ErrRateLimitExceeded
	}
	return op(ctx)
}

// Tokens returns the tokens available now.
func (rl *RateLimiter) Tokens() float64 {
	if rl == nil {
		return 0
	}
	return rl.bucket.TokensAt(rl.now())
}
