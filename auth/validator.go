package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// ClockSkew tolerates issuer clocks running ahead when checking iat
	// and nbf. It is not applied to exp. Negative disables tolerance.
	// Default: 30 seconds
	ClockSkew time.Duration

	// KnownAgents restricts act.sub to registered agent identities. Empty
	// accepts any non-empty actor.
	KnownAgents []string

	// Now overrides the clock.
	Now func() time.Time

	Telemetry observe.Telemetry
}

// Validator verifies delegated bearer tokens. It holds no per-call state
// and is safe for concurrent use.
type Validator struct {
	keys      KeyResolver
	config    ValidatorConfig
	telemetry observe.Telemetry
	parser    *jwt.Parser
	agents    map[string]struct{}
}

// NewValidator creates a Validator resolving keys through keys.
func NewValidator(keys KeyResolver, config ValidatorConfig) *Validator {
	if config.ClockSkew == 0 {
		config.ClockSkew = 30 * time.Second
	}
	if config.ClockSkew < 0 {
		config.ClockSkew = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	var agents map[string]struct{}
	if len(config.KnownAgents) > 0 {
		agents = make(map[string]struct{}, len(config.KnownAgents))
		for _, a := range config.KnownAgents {
			agents[a] = struct{}{}
		}
	}

	return &Validator{
		keys:      keys,
		config:    config,
		telemetry: config.Telemetry.OrNop(),
		parser:    jwt.NewParser(jwt.WithStrictDecoding()),
		agents:    agents,
	}
}

// Validate checks that raw is a well-formed delegated token signed by a
// key from the key ring, issued by requiredIssuer, inside its validity
// window, and carrying an actor claim. Token failures are returned as
// *ValidationError; key ring outages are returned as errors matching
// ErrKeyRingUnavailable.
func (v *Validator) Validate(ctx context.Context, raw, requiredIssuer string) (*DelegatedToken, error) {
	ctx, span := v.telemetry.Tracer.Start(ctx, "auth.validate")
	token, err := v.validate(ctx, raw, requiredIssuer)
	v.telemetry.Tracer.EndSpan(span, err)
	v.telemetry.Metrics.RecordValidation(ctx, outcomeLabel(err))
	return token, err
}

func (v *Validator) validate(ctx context.Context, raw, requiredIssuer string) (*DelegatedToken, error) {
	token, sig, err := parseStructure(v.parser, raw)
	if err != nil {
		return nil, err
	}

	if sig.keyID == "" {
		return nil, newValidationError(ErrUnknownKey, errors.New("token header has no kid"))
	}
	key, err := v.keys.Resolve(ctx, sig.keyID)
	if err != nil {
		if errors.Is(err, ErrKeyRingUnavailable) {
			return nil, err
		}
		return nil, newValidationError(ErrUnknownKey, err)
	}

	// The trusted key record, not the token header, decides the algorithm.
	if sig.method.Alg() != key.Algorithm {
		return nil, newValidationError(ErrInvalidSignature,
			fmt.Errorf("token algorithm %q does not match key algorithm %q", sig.method.Alg(), key.Algorithm))
	}
	// Strict decoding rejects set padding bits in the last character, so
	// every encoded bit of the signature is covered by Verify.
	signature, err := v.parser.DecodeSegment(sig.signature)
	if err != nil {
		return nil, newValidationError(ErrInvalidSignature, err)
	}
	if err := sig.method.Verify(sig.signingInput, signature, key.PublicMaterial); err != nil {
		return nil, newValidationError(ErrInvalidSignature, err)
	}

	if requiredIssuer == "" || token.Issuer != requiredIssuer {
		return nil, newValidationError(ErrIssuerMismatch,
			fmt.Errorf("got %q, want %q", token.Issuer, requiredIssuer))
	}

	now := v.config.Now()
	if token.ExpiresAt.IsZero() {
		return nil, newValidationError(ErrMalformed, errors.New("token has no exp claim"))
	}
	if !now.Before(token.ExpiresAt) {
		return nil, newValidationError(ErrExpired, fmt.Errorf("expired at %s", token.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	if !token.IssuedAt.IsZero() && now.Before(token.IssuedAt.Add(-v.config.ClockSkew)) {
		return nil, newValidationError(ErrNotYetValid, fmt.Errorf("issued at %s", token.IssuedAt.UTC().Format(time.RFC3339)))
	}
	if !token.NotBefore.IsZero() && now.Before(token.NotBefore.Add(-v.config.ClockSkew)) {
		return nil, newValidationError(ErrNotYetValid, fmt.Errorf("not before %s", token.NotBefore.UTC().Format(time.RFC3339)))
	}

	if !token.hasActor || token.Actor.Subject == "" {
		return nil, newValidationError(ErrMissingActor, nil)
	}
	if v.agents != nil {
		if _, ok := v.agents[token.Actor.Subject]; !ok {
			return nil, newValidationError(ErrUnknownActor, fmt.Errorf("actor %q", token.Actor.Subject))
		}
	}

	return token, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		switch verr.Kind {
		case ErrMalformed:
			return "malformed"
		case ErrUnknownKey:
			return "unknown_key"
		case ErrInvalidSignature:
			return "invalid_signature"
		case ErrIssuerMismatch:
			return "issuer_mismatch"
		case ErrExpired:
			return "expired"
		case ErrNotYetValid:
			return "not_yet_valid"
		case ErrMissingActor:
			return "missing_actor"
		case ErrUnknownActor:
			return "unknown_actor"
		}
	}
	if errors.Is(err, ErrKeyRingUnavailable) {
		return "key_ring_unavailable"
	}
	return "error"
}
