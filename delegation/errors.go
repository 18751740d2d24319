package delegation

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
)

// classError is a sentinel that also matches one auth error class, so
// auth.StatusCode maps delegation failures without knowing this package.
type classError struct {
	msg   string
	class error
}

func (e *classError) Error() string { return e.msg }

func (e *classError) Is(target error) bool { return target == e.class }

// Sentinel errors. Every Client failure wraps exactly one of these.
var (
	// ErrAgentAuthFailed means the agent could not establish its own
	// identity within the retry budget.
	ErrAgentAuthFailed error = &classError{msg: "delegation: agent authentication failed", class: auth.ErrUnavailable}

	// ErrExchangeRejected means the exchange service refused the request
	// (expired user token, unauthorized role). It is not retried.
	ErrExchangeRejected error = &classError{msg: "delegation: token exchange rejected", class: auth.ErrUnauthenticated}

	// ErrExchangeUnavailable means the exchange service could not be
	// reached or kept failing after retries.
	ErrExchangeUnavailable error = &classError{msg: "delegation: token exchange unavailable", class: auth.ErrUnavailable}

	ErrClosed = errors.New("delegation: client closed")
)

// ExchangeError is a non-success response from the exchange service.
type ExchangeError struct {
	// Endpoint is "login" or "exchange".
	Endpoint   string
	StatusCode int
	// Code is the machine-readable error code, when the service sent one.
	Code    string
	Message string
	// Wait is the service's Retry-After, when it sent one.
	Wait time.Duration
}

// Error returns the error message.
func (e *ExchangeError) Error() string {
	msg := fmt.Sprintf("delegation: %s endpoint returned %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Rejected reports whether the service refused the request itself, as
// opposed to failing to process it.
func (e *ExchangeError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}

// RetryAfter returns the wait the service asked for. Retries honor it.
func (e *ExchangeError) RetryAfter() time.Duration { return e.Wait }

func isRejection(err error) bool {
	var xerr *ExchangeError
	return errors.As(err, &xerr) && xerr.Rejected()
}
