// Package resilience provides the failure-handling primitives used around
// calls to the key endpoint and the delegation service.
//
// # Patterns
//
//   - Retry: exponential backoff with optional jitter, scheduled by
//     cenkalti/backoff. Errors wrapped with Permanent stop the loop
//     immediately; exhaustion is reported as ErrMaxRetriesExceeded wrapping
//     the last error. Errors implementing RetryAfterHint set the next wait.
//
//   - Timeout: a per-attempt deadline reported as ErrTimeout.
//
//   - Circuit Breaker: stops calling a dependency after consecutive
//     failures and probes it again after a reset timeout. Rejections carry
//     the probe time in *OpenError.
//
//   - Bulkhead: caps concurrent calls.
//
//   - Rate Limiter: a token bucket over x/time/rate; NewIntervalLimiter gives the
//     one-per-interval form used to throttle forced key refreshes.
//
// # Usage
//
//	executor := resilience.NewExecutor(
//	    resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{MaxConcurrent: 16})),
//	    resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{MaxAttempts: 3})),
//	    resilience.WithTimeout(10*time.Second),
//	)
//
//	err := executor.Execute(ctx, func(ctx context.Context) error {
//	    resp, err := client.Do(req.WithContext(ctx))
//	    if err != nil {
//	        return err
//	    }
//	    defer resp.Body.Close()
//	    if resp.StatusCode < 500 && resp.StatusCode != http.StatusOK {
//	        return resilience.Permanent(fmt.Errorf("status %d", resp.StatusCode))
//	    }
//	    ...
//	})
package resilience
