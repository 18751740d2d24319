package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

// LoginMethod produces the login request for one agent auth method.
type LoginMethod interface {
	// Name identifies the method in logs and status.
	Name() string

	// Mount is the auth mount path, e.g. "approle".
	Mount() string

	// LoginData returns the login request body.
	LoginData(ctx context.Context) (map[string]any, error)
}

// AppRole authenticates with a pre-shared role id and secret id.
type AppRole struct {
	RoleID   string
	SecretID string

	// MountPath defaults to "approle".
	MountPath string
}

// Name returns "approle".
func (a *AppRole) Name() string { return "approle" }

// Mount returns the auth mount path.
func (a *AppRole) Mount() string {
	if a.MountPath == "" {
		return "approle"
	}
	return a.MountPath
}

// LoginData returns role_id and secret_id.
func (a *AppRole) LoginData(context.Context) (map[string]any, error) {
	if a.RoleID == "" || a.SecretID == "" {
		return nil, errors.New("approle: role_id and secret_id are required")
	}
	return map[string]any{"role_id": a.RoleID, "secret_id": a.SecretID}, nil
}

// DefaultServiceAccountTokenPath is where Kubernetes projects the pod's
// service account token.
const DefaultServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Kubernetes authenticates with the pod's service account token. The file
// is read on every login so projected token rotation is picked up.
type Kubernetes struct {
	Role string

	// TokenPath defaults to DefaultServiceAccountTokenPath.
	TokenPath string

	// MountPath defaults to "kubernetes".
	MountPath string
}

// Name returns "kubernetes".
func (k *Kubernetes) Name() string { return "kubernetes" }

// Mount returns the auth mount path.
func (k *Kubernetes) Mount() string {
	if k.MountPath == "" {
		return "kubernetes"
	}
	return k.MountPath
}

// LoginData reads the service account token and returns role and jwt.
func (k *Kubernetes) LoginData(context.Context) (map[string]any, error) {
	if k.Role == "" {
		return nil, errors.New("kubernetes: role is required")
	}
	path := k.TokenPath
	if path == "" {
		path = DefaultServiceAccountTokenPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kubernetes: read service account token: %w", err)
	}
	jwt := strings.TrimSpace(string(data))
	if jwt == "" {
		return nil, fmt.Errorf("kubernetes: service account token %s is empty", path)
	}
	return map[string]any{"role": k.Role, "jwt": jwt}, nil
}

// AgentCredential is the agent's own identity with the exchange service.
type AgentCredential struct {
	Token     string
	Accessor  string
	Method    string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero when the credential does not expire
	Renewable bool
}

// Valid reports whether the credential can be used at now.
func (c AgentCredential) Valid(now time.Time) bool {
	return c.Token != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// renewAt is two thirds into the credential's lifetime.
func (c AgentCredential) renewAt() time.Time {
	if c.ExpiresAt.IsZero() {
		return time.Time{}
	}
	return c.IssuedAt.Add(c.ExpiresAt.Sub(c.IssuedAt) * 2 / 3)
}

type loginResponse struct {
	Auth *struct {
		ClientToken   string `json:"client_token"`
		Accessor      string `json:"accessor"`
		LeaseDuration int64  `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
	} `json:"auth"`
}

func (c *Client) postLogin(ctx context.Context) (AgentCredential, error) {
	method := c.config.Login
	data, err := method.LoginData(ctx)
	if err != nil {
		return AgentCredential{}, resilience.Permanent(err)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return AgentCredential{}, resilience.Permanent(err)
	}

	url := c.config.Address + "/v1/auth/" + strings.Trim(method.Mount(), "/") + "/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return AgentCredential{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AgentCredential{}, fmt.Errorf("login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return AgentCredential{}, fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return AgentCredential{}, responseError("login", resp, payload)
	}

	var out loginResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return AgentCredential{}, resilience.Permanent(fmt.Errorf("decode login response: %w", err))
	}
	if out.Auth == nil || out.Auth.ClientToken == "" {
		return AgentCredential{}, resilience.Permanent(errors.New("login response has no client token"))
	}

	now := c.config.Now()
	cred := AgentCredential{
		Token:     out.Auth.ClientToken,
		Accessor:  out.Auth.Accessor,
		Method:    method.Name(),
		IssuedAt:  now,
		Renewable: out.Auth.Renewable,
	}
	if out.Auth.LeaseDuration > 0 {
		cred.ExpiresAt = now.Add(time.Duration(out.Auth.LeaseDuration) * time.Second)
	}
	return cred, nil
}

const maxResponseBytes = 1 << 20

// responseError converts a non-200 response. Rejections are marked
// permanent so they are not retried.
func responseError(endpoint string, resp *http.Response, body []byte) error {
	var payload struct {
		Error       string   `json:"error"`
		Description string   `json:"error_description"`
		Errors      []string `json:"errors"`
	}
	_ = json.Unmarshal(body, &payload)

	xerr := &ExchangeError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Code:       payload.Error,
		Message:    payload.Description,
		Wait:       retryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	if xerr.Message == "" && len(payload.Errors) > 0 {
		xerr.Message = strings.Join(payload.Errors, "; ")
	}
	if xerr.Rejected() {
		return resilience.Permanent(xerr)
	}
	return xerr
}

// retryAfter parses delay-seconds or an HTTP date. Anything else, or a
// time in the past, yields zero.
func retryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
