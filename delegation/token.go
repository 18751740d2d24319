package delegation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/cache"
)

// Token is a delegated token obtained for one user and agent role.
type Token struct {
	// Raw is the token to present to tools as a bearer credential.
	Raw     string
	Role    string
	Subject string

	// Claims is the decoded payload, or nil when the service issued an
	// opaque token. It is not signature-checked here; tools do that.
	Claims *auth.DelegatedToken

	ObtainedAt time.Time
	ExpiresAt  time.Time

	// source is the digest of the user token this was exchanged for.
	source string
}

// Remaining returns the lifetime left at now.
func (t Token) Remaining(now time.Time) time.Duration {
	return t.ExpiresAt.Sub(now)
}

// SubjectOf returns the identity a user token is cached under: its sub
// claim when it decodes as a JWT, otherwise a digest of the token.
func SubjectOf(userToken string) string {
	if t, err := auth.ParseUnverified(userToken); err == nil && t.Subject != "" {
		return t.Subject
	}
	return cache.Digest(userToken)
}

type exchangeRequest struct {
	SubjectToken string `json:"subject_token"`
	Role         string `json:"role"`
}

// exchangeResponse accepts the OAuth token-exchange shape and the
// {"data":{"token":...}} envelope.
type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Data        *struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	} `json:"data"`
}

func decodeExchangeResponse(payload []byte, now time.Time, defaultTTL time.Duration) (Token, error) {
	var out exchangeResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Token{}, err
	}

	raw, expiresIn := out.AccessToken, out.ExpiresIn
	if raw == "" && out.Data != nil {
		raw, expiresIn = out.Data.Token, out.Data.ExpiresIn
	}
	if raw == "" {
		return Token{}, errors.New("exchange response has no token")
	}

	tok := Token{Raw: raw, ObtainedAt: now}
	if claims, err := auth.ParseUnverified(raw); err == nil {
		tok.Claims = claims
	}

	switch {
	case expiresIn > 0:
		tok.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
		if tok.Claims != nil && !tok.Claims.ExpiresAt.IsZero() && tok.Claims.ExpiresAt.Before(tok.ExpiresAt) {
			tok.ExpiresAt = tok.Claims.ExpiresAt
		}
	case tok.Claims != nil && !tok.Claims.ExpiresAt.IsZero():
		tok.ExpiresAt = tok.Claims.ExpiresAt
	default:
		tok.ExpiresAt = now.Add(defaultTTL)
	}
	return tok, nil
}
