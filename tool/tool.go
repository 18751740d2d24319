package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
)

// Handler executes an operation. input is the raw JSON request body, or
// an empty object when the body was empty.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Operation is a protected tool operation.
type Operation struct {
	Name               string
	Description        string
	RequiredPermission string
	Handler            Handler
}

// Info describes a registered operation.
type Info struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	RequiredPermission string `json:"required_permission"`
}

// Errors returned by handlers and registration.
var (
	// ErrInvalidInput marks handler errors caused by the request body. The
	// host answers 400.
	ErrInvalidInput = errors.New("tool: invalid input")

	ErrInvalidOperation   = errors.New("tool: invalid operation")
	ErrDuplicateOperation = errors.New("tool: operation already registered")
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Validate checks the operation is registrable.
func (o Operation) Validate() error {
	switch {
	case !namePattern.MatchString(o.Name):
		return fmt.Errorf("%w: name %q must match %s", ErrInvalidOperation, o.Name, namePattern)
	case o.RequiredPermission == "":
		return fmt.Errorf("%w: %s has no required permission", ErrInvalidOperation, o.Name)
	case o.Handler == nil:
		return fmt.Errorf("%w: %s has no handler", ErrInvalidOperation, o.Name)
	}
	return nil
}

func (o Operation) call(token *auth.DelegatedToken, requestID string) observe.Call {
	return observe.Call{
		Operation:  o.Name,
		Permission: o.RequiredPermission,
		Subject:    token.Subject,
		Actor:      token.Actor.Subject,
		RequestID:  requestID,
	}
}

// IntrospectionResult is returned by the introspection operation.
type IntrospectionResult struct {
	Subject              string             `json:"subject"`
	Actor                string             `json:"actor"`
	Issuer               string             `json:"issuer"`
	ExpiresAt            time.Time          `json:"expires_at"`
	RequiredPermission   string             `json:"required_permission"`
	EffectivePermissions auth.PermissionSet `json:"effective_permissions"`
}

// Introspection returns an operation named "whoami" that reports the
// caller's identity and effective permissions. It requires permission.
func Introspection(permission string) Operation {
	return Operation{
		Name:               "whoami",
		Description:        "Reports the delegated identity and effective permissions of the caller.",
		RequiredPermission: permission,
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			token := auth.TokenFromContext(ctx)
			d, ok := auth.DecisionFromContext(ctx)
			if token == nil || !ok {
				return nil, errors.New("tool: no authorized token in context")
			}
			return IntrospectionResult{
				Subject:              token.Subject,
				Actor:                token.Actor.Subject,
				Issuer:               token.Issuer,
				ExpiresAt:            token.ExpiresAt,
				RequiredPermission:   d.RequiredPermission,
				EffectivePermissions: d.EffectivePermissions,
			}, nil
		},
	}
}
