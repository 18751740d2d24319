package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Actor identifies the agent that performed the token exchange (the RFC
// 8693 "act" claim).
type Actor struct {
	Subject string `json:"sub"`
	Issuer  string `json:"iss,omitempty"`
}

// SubjectClaims holds user-specific data embedded by the delegation
// service. Only Permissions is interpreted; everything else is passed
// through.
type SubjectClaims struct {
	Email       string        `json:"email,omitempty"`
	Permissions PermissionSet `json:"permissions"`

	attributes map[string]json.RawMessage
}

// Attribute returns an uninterpreted subject attribute by name.
func (c SubjectClaims) Attribute(name string) (json.RawMessage, bool) {
	v, ok := c.attributes[name]
	return v, ok
}

// DelegatedToken is the parsed form of a delegated bearer token. Values
// returned by the validator are never mutated afterwards.
type DelegatedToken struct {
	ID            string        `json:"jti,omitempty"`
	Issuer        string        `json:"iss"`
	Subject       string        `json:"sub"`
	Audience      []string      `json:"aud,omitempty"`
	IssuedAt      time.Time     `json:"iat,omitzero"`
	NotBefore     time.Time     `json:"nbf,omitzero"`
	ExpiresAt     time.Time     `json:"exp"`
	Scope         PermissionSet `json:"scope"`
	SubjectClaims SubjectClaims `json:"subject_claims"`
	Actor         Actor         `json:"act"`

	hasActor bool
	extra    map[string]json.RawMessage
}

// Claim returns an unknown top-level claim by name. Unknown claims are
// preserved opaquely and never interpreted.
func (t *DelegatedToken) Claim(name string) (json.RawMessage, bool) {
	v, ok := t.extra[name]
	return v, ok
}

// ClaimNames returns the names of the preserved unknown claims.
func (t *DelegatedToken) ClaimNames() []string {
	names := make([]string, 0, len(t.extra))
	for k := range t.extra {
		names = append(names, k)
	}
	return names
}

// Remaining returns the lifetime left at now. It is negative for expired
// tokens.
func (t *DelegatedToken) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// delegatedClaims is the wire form of the token payload.
type delegatedClaims struct {
	jwt.RegisteredClaims
	Scope         scopeClaim         `json:"scope"`
	SubjectClaims *wireSubjectClaims `json:"subject_claims,omitempty"`
	Act           *Actor             `json:"act,omitempty"`
}

type wireSubjectClaims struct {
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// scopeClaim accepts the space-delimited string form and, for
// compatibility, a JSON array of strings.
type scopeClaim []string

func (s *scopeClaim) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = ParseScope(str).items
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scope must be a string or an array of strings: %w", err)
	}
	*s = list
	return nil
}

var registeredClaimNames = []string{"iss", "sub", "aud", "exp", "nbf", "iat", "jti", "scope", "subject_claims", "act"}

// ParseUnverified decodes a delegated token without checking its signature
// or validity window. It is meant for callers that already trust the
// channel the token arrived on (the agent reading its own exchange
// result); tool endpoints must use a Validator.
func ParseUnverified(raw string) (*DelegatedToken, error) {
	token, _, err := parseStructure(jwt.NewParser(), raw)
	return token, err
}

// jws holds the pieces of a compact JWS needed for verification.
type jws struct {
	keyID        string
	method       jwt.SigningMethod
	signingInput string
	signature    string
}

// parseStructure splits and decodes the token. Every failure is reported
// as ErrMalformed.
func parseStructure(parser *jwt.Parser, raw string) (*DelegatedToken, *jws, error) {
	claims := &delegatedClaims{}
	jwtToken, parts, err := parser.ParseUnverified(raw, claims)
	if err != nil {
		return nil, nil, newValidationError(ErrMalformed, err)
	}
	if len(parts) != 3 || parts[2] == "" {
		return nil, nil, newValidationError(ErrMalformed, errors.New("token is not a signed three-part structure"))
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, nil, newValidationError(ErrMalformed, err)
	}
	var rawClaims map[string]json.RawMessage
	if err := json.Unmarshal(payload, &rawClaims); err != nil {
		return nil, nil, newValidationError(ErrMalformed, err)
	}

	token, err := buildToken(claims, rawClaims)
	if err != nil {
		return nil, nil, newValidationError(ErrMalformed, err)
	}

	sig := &jws{
		method:       jwtToken.Method,
		signingInput: parts[0] + "." + parts[1],
		signature:    parts[2],
	}
	sig.keyID, _ = jwtToken.Header["kid"].(string)
	return token, sig, nil
}

func buildToken(claims *delegatedClaims, rawClaims map[string]json.RawMessage) (*DelegatedToken, error) {
	token := &DelegatedToken{
		ID:       claims.ID,
		Issuer:   claims.Issuer,
		Subject:  claims.Subject,
		Audience: []string(claims.Audience),
		Scope:    NewPermissionSet(claims.Scope...),
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.NotBefore != nil {
		token.NotBefore = claims.NotBefore.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.Act != nil {
		token.Actor = *claims.Act
		token.hasActor = true
	}

	if claims.SubjectClaims != nil {
		token.SubjectClaims = SubjectClaims{
			Email:       claims.SubjectClaims.Email,
			Permissions: NewPermissionSet(claims.SubjectClaims.Permissions...),
		}
		if rawSubject, ok := rawClaims["subject_claims"]; ok {
			var attrs map[string]json.RawMessage
			if err := json.Unmarshal(rawSubject, &attrs); err != nil {
				return nil, fmt.Errorf("subject_claims: %w", err)
			}
			delete(attrs, "email")
			delete(attrs, "permissions")
			if len(attrs) > 0 {
				token.SubjectClaims.attributes = attrs
			}
		}
	}

	extra := maps.Clone(rawClaims)
	for _, name := range registeredClaimNames {
		delete(extra, name)
	}
	if len(extra) > 0 {
		token.extra = extra
	}
	return token, nil
}
