package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

// TokenValidator validates a raw bearer token for an issuer.
type TokenValidator interface {
	Validate(ctx context.Context, raw, requiredIssuer string) (*DelegatedToken, error)
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Issuer is the trusted token issuer.
	Issuer string

	// RetryAfter is advertised on 503 responses.
	// Default: 5 seconds
	RetryAfter time.Duration

	Telemetry observe.Telemetry
}

// Guard runs validation then the permission decision in front of a
// protected operation.
type Guard struct {
	validator TokenValidator
	evaluator *Evaluator
	config    GuardConfig
	telemetry observe.Telemetry
}

// NewGuard creates a Guard.
func NewGuard(validator TokenValidator, config GuardConfig) *Guard {
	if config.RetryAfter <= 0 {
		config.RetryAfter = 5 * time.Second
	}
	t := config.Telemetry.OrNop()
	return &Guard{
		validator: validator,
		evaluator: NewEvaluator(t),
		config:    config,
		telemetry: t,
	}
}

// Authorize validates the request's bearer token and decides required.
// The returned error is nil only when the permission is granted.
func (g *Guard) Authorize(r *http.Request, required string) (*DelegatedToken, Decision, error) {
	ctx := r.Context()

	raw, err := BearerToken(r)
	if err != nil {
		return nil, Decision{}, err
	}

	token, err := g.validator.Validate(ctx, raw, g.config.Issuer)
	if err != nil {
		g.telemetry.Logger.Warn(ctx, "token rejected",
			observe.Field{Key: "permission", Value: required},
			observe.Field{Key: "error", Value: err})
		return nil, Decision{}, err
	}

	d, err := g.evaluator.Authorize(ctx, token, required)
	return token, d, err
}

// Require wraps next so it only runs when the caller is granted required.
// The validated token and decision are available to next through
// TokenFromContext and DecisionFromContext.
func (g *Guard) Require(required string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, d, err := g.Authorize(r, required)
		if err != nil {
			g.WriteError(w, err)
			return
		}
		ctx := WithDecision(WithToken(r.Context(), token), d)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ErrorResponse is the JSON body written for rejected requests. It names
// the error class only; specific reasons stay in the audit log.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes the transport response for err.
func (g *Guard) WriteError(w http.ResponseWriter, err error) {
	WriteError(w, err, g.config.RetryAfter)
}

// WriteError writes the status from StatusCode and a class-only body.
func WriteError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	status := StatusCode(err)
	body := ErrorResponse{}

	switch status {
	case http.StatusUnauthorized:
		body.Error, body.Message = "unauthenticated", "a valid delegated bearer token is required"
		challenge := `Bearer error="invalid_token"`
		if errors.Is(err, ErrMissingToken) {
			challenge = "Bearer"
		}
		w.Header().Set("WWW-Authenticate", challenge)
	case http.StatusForbidden:
		body.Error, body.Message = "forbidden", "the agent or user lacks the required permission"
	case http.StatusServiceUnavailable:
		body.Error, body.Message = "unavailable", "authorization dependencies are unavailable, retry later"
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
	default:
		body.Error, body.Message = "internal", "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
