package auth

import "context"

type contextKey int

const (
	tokenKey contextKey = iota
	decisionKey
)

// WithToken returns a context carrying a validated token.
func WithToken(ctx context.Context, token *DelegatedToken) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext returns the validated token, or nil.
func TokenFromContext(ctx context.Context) *DelegatedToken {
	token, _ := ctx.Value(tokenKey).(*DelegatedToken)
	return token
}

// WithDecision returns a context carrying the permission decision that let
// the request through.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision stored by WithDecision.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}
