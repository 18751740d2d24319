package auth

import (
	"context"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

// Reason explains a permission decision.
type Reason string

const (
	ReasonGranted               Reason = "granted"
	ReasonAgentLacksPermission  Reason = "agent_lacks_permission"
	ReasonUserLacksPermission   Reason = "user_lacks_permission"
	ReasonNeitherLacksNorGrants Reason = "neither_grants_permission"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonAgentLacksPermission:
		return ErrAgentLacksPermission
	case ReasonUserLacksPermission:
		return ErrUserLacksPermission
	case ReasonNeitherLacksNorGrants:
		return ErrNeitherLacksNorGrants
	default:
		return nil
	}
}

// Decision is the outcome of evaluating a required permission against a
// validated token. Decisions are computed per request and never cached.
type Decision struct {
	Granted              bool          `json:"granted"`
	EffectivePermissions PermissionSet `json:"effective_permissions"`
	RequiredPermission   string        `json:"required_permission"`
	Reason               Reason        `json:"reason"`

	subject string
	actor   string
}

// Err returns nil for a granted decision and an *AuthzError otherwise.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	return &AuthzError{
		Subject:    d.subject,
		Actor:      d.actor,
		Permission: d.RequiredPermission,
		Reason:     d.Reason,
	}
}

// Decide computes the decision for required against token. Both the agent
// (scope) and the user (subject_claims.permissions) must hold the
// permission. Decide is a pure function of its inputs.
func Decide(token *DelegatedToken, required string) Decision {
	agent := token.Scope
	user := token.SubjectClaims.Permissions

	d := Decision{
		EffectivePermissions: agent.Intersect(user),
		RequiredPermission:   required,
		subject:              token.Subject,
		actor:                token.Actor.Subject,
	}

	inAgent, inUser := agent.Has(required), user.Has(required)
	switch {
	case inAgent && inUser:
		d.Granted = true
		d.Reason = ReasonGranted
	case inUser:
		d.Reason = ReasonAgentLacksPermission
	case inAgent:
		d.Reason = ReasonUserLacksPermission
	default:
		d.Reason = ReasonNeitherLacksNorGrants
	}
	return d
}

// Evaluator wraps Decide with audit logging and metrics.
type Evaluator struct {
	telemetry observe.Telemetry
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(t observe.Telemetry) *Evaluator {
	return &Evaluator{telemetry: t.OrNop()}
}

// Authorize decides and records the outcome. Denials are logged at warn
// with the specific reason; the returned error carries it for callers that
// audit, and maps to 403 via StatusCode.
func (e *Evaluator) Authorize(ctx context.Context, token *DelegatedToken, required string) (Decision, error) {
	d := Decide(token, required)
	e.telemetry.Metrics.RecordDecision(ctx, required, string(d.Reason))

	fields := []observe.Field{
		{Key: "permission", Value: required},
		{Key: "reason", Value: string(d.Reason)},
		{Key: "subject", Value: token.Subject},
		{Key: "actor", Value: token.Actor.Subject},
	}
	if !d.Granted {
		e.telemetry.Logger.Warn(ctx, "permission denied", fields...)
		return d, d.Err()
	}
	e.telemetry.Logger.Debug(ctx, "permission granted", fields...)
	return d, nil
}
