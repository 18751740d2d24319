package health

import (
	"context"
	"errors"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/delegation"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

// KeyRingSource reports key ring state. *auth.KeyRing implements it.
type KeyRingSource interface {
	Status() auth.KeyRingStatus
}

// KeyRingChecker reports whether tokens can be validated.
type KeyRingChecker struct {
	ring KeyRingSource
}

// NewKeyRingChecker creates a checker named "keyring".
func NewKeyRingChecker(ring KeyRingSource) *KeyRingChecker {
	return &KeyRingChecker{ring: ring}
}

// Name returns "keyring".
func (c *KeyRingChecker) Name() string { return "keyring" }

// Check is healthy while the key set is fresh, degraded while a stale set
// is served inside its grace window, and unhealthy otherwise.
func (c *KeyRingChecker) Check(context.Context) Result {
	s := c.ring.Status()
	details := map[string]any{"keys": s.Keys}
	if !s.FetchedAt.IsZero() {
		details["fetched_at"] = s.FetchedAt.UTC().Format(time.RFC3339)
	}
	if s.LastError != nil {
		details["last_error"] = s.LastError.Error()
	}

	switch {
	case s.FetchedAt.IsZero() && s.LastError == nil:
		return Degraded("key set not fetched yet", nil).WithDetails(details)
	case s.FetchedAt.IsZero():
		return Unhealthy("key set unavailable", s.LastError).WithDetails(details)
	case s.Fresh:
		return Healthy("key set fresh").WithDetails(details)
	case s.Usable:
		return Degraded("serving stale key set", s.LastError).WithDetails(details)
	default:
		err := s.LastError
		if err == nil {
			err = auth.ErrKeyRingUnavailable
		}
		return Unhealthy("key set expired", err).WithDetails(details)
	}
}

// CredentialSource reports agent credential state. *delegation.Client
// implements it.
type CredentialSource interface {
	CredentialStatus() delegation.CredentialStatus
}

// CredentialChecker reports whether the agent holds a usable credential
// with the exchange service.
type CredentialChecker struct {
	source CredentialSource
}

// NewCredentialChecker creates a checker named "agent_credential".
func NewCredentialChecker(source CredentialSource) *CredentialChecker {
	return &CredentialChecker{source: source}
}

// Name returns "agent_credential".
func (c *CredentialChecker) Name() string { return "agent_credential" }

// Check is healthy with a valid credential and unhealthy after a failed
// login. Before the first login, or while the exchange circuit is open, it
// reports degraded.
func (c *CredentialChecker) Check(context.Context) Result {
	s := c.source.CredentialStatus()
	details := map[string]any{
		"method":              s.Method,
		"exchange_circuit":    s.ExchangeCircuit.String(),
		"exchanges_in_flight": s.ExchangesInFlight,
		"exchanges_shed":      s.ExchangesShed,
	}
	if s.ExchangeTokens >= 0 {
		details["exchange_tokens"] = s.ExchangeTokens
	}
	if !s.ExpiresAt.IsZero() {
		details["expires_at"] = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if !s.ExchangeRetryAt.IsZero() {
		details["exchange_retry_at"] = s.ExchangeRetryAt.UTC().Format(time.RFC3339)
	}

	switch {
	case s.Authenticated && s.ExchangeCircuit == resilience.StateOpen:
		return Degraded("exchange circuit open", resilience.ErrCircuitOpen).WithDetails(details)
	case s.Authenticated:
		return Healthy("agent authenticated").WithDetails(details)
	case s.LastError != nil:
		return Unhealthy("agent authentication failed", s.LastError).WithDetails(details)
	case s.LastAttempt.IsZero():
		return Degraded("agent not authenticated yet", nil).WithDetails(details)
	default:
		return Unhealthy("agent credential expired", errors.New("credential expired")).WithDetails(details)
	}
}

var (
	_ Checker = (*KeyRingChecker)(nil)
	_ Checker = (*CredentialChecker)(nil)
)
