package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes. Every taxonomy error matches exactly one of these via
// errors.Is.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: access denied")
	ErrUnavailable     = errors.New("auth: service unavailable")
)

// Token validation failures.
var (
	ErrMalformed        = errors.New("auth: token malformed")
	ErrUnknownKey       = errors.New("auth: unknown signing key")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrIssuerMismatch   = errors.New("auth: issuer mismatch")
	ErrExpired          = errors.New("auth: token expired")
	ErrNotYetValid      = errors.New("auth: token not yet valid")
	ErrMissingActor     = errors.New("auth: missing actor claim")
	ErrUnknownActor     = errors.New("auth: actor is not a registered agent")
	ErrMissingToken     = errors.New("auth: missing bearer token")
)

// Permission decision failures.
var (
	ErrAgentLacksPermission  = errors.New("auth: agent lacks permission")
	ErrUserLacksPermission   = errors.New("auth: user lacks permission")
	ErrNeitherLacksNorGrants = errors.New("auth: permission held by neither agent nor user")
)

// Key material failures.
var (
	ErrKeyNotFound        = errors.New("auth: signing key not found")
	ErrKeyRingUnavailable = errors.New("auth: key ring unavailable")
)

// ValidationError reports why a bearer token was rejected. Kind is one of
// the token validation sentinels above.
type ValidationError struct {
	Kind  error
	Cause error
}

func newValidationError(kind, cause error) *ValidationError {
	return &ValidationError{Kind: kind, Cause: cause}
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind.Error(), e.Cause)
}

// Unwrap exposes the kind and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Is reports membership in the unauthenticated class.
func (e *ValidationError) Is(target error) bool {
	return target == ErrUnauthenticated
}

// AuthzError represents a denied permission decision. The Reason is kept
// for audit logging and is not meant to be disclosed to the caller.
type AuthzError struct {
	Subject    string
	Actor      string
	Permission string
	Reason     Reason
}

// Error returns the error message.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("authorization denied: subject=%q actor=%q permission=%q reason=%q",
		e.Subject, e.Actor, e.Permission, e.Reason)
}

// Unwrap returns the reason sentinel.
func (e *AuthzError) Unwrap() error {
	return e.Reason.sentinel()
}

// Is reports membership in the forbidden class.
func (e *AuthzError) Is(target error) bool {
	return target == ErrForbidden
}

// StatusCode maps an error from this package (or one wrapping it) to the
// HTTP status a tool endpoint should answer with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrKeyRingUnavailable), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrMissingToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later
// without re-authenticating upstream.
func Retryable(err error) bool {
	return errors.Is(err, ErrKeyRingUnavailable) || errors.Is(err, ErrUnavailable)
}
