package delegation

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExchange stands in for the exchange service: an auth login endpoint
// and the token exchange endpoint.
type fakeExchange struct {
	t      *testing.T
	server *httptest.Server
	clock  *fakeClock

	mu             sync.Mutex
	loginStatus    int
	exchangeStatus int
	exchangeError  string
	leaseDuration  int64
	expiresIn      int64
	delay          time.Duration
	lastMount      string
	lastLogin      map[string]any
	lastExchange   exchangeRequest
	lastCredential string

	logins    atomic.Int32
	exchanges atomic.Int32
}

func newFakeExchange(t *testing.T, clock *fakeClock) *fakeExchange {
	t.Helper()
	f := &fakeExchange{t: t, clock: clock, leaseDuration: 3600, expiresIn: 300}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/auth/{mount}/login", f.handleLogin)
	mux.HandleFunc("POST "+DefaultExchangePath, f.handleExchange)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeExchange) set(fn func(f *fakeExchange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeExchange) handleLogin(w http.ResponseWriter, r *http.Request) {
	n := f.logins.Add(1)

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.lastMount = r.PathValue("mount")
	f.lastLogin = body
	status, lease := f.loginStatus, f.leaseDuration
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": []string{"permission denied"}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"auth": map[string]any{
			"client_token":   fmt.Sprintf("agent-token-%d", n),
			"accessor":       "acc",
			"lease_duration": lease,
			"renewable":      true,
		},
	})
}

func (f *fakeExchange) handleExchange(w http.ResponseWriter, r *http.Request) {
	f.exchanges.Add(1)

	var req exchangeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.lastExchange = req
	f.lastCredential = r.Header.Get("X-Vault-Token")
	status, code, delay, expiresIn := f.exchangeStatus, f.exchangeError, f.delay, f.expiresIn
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": code, "error_description": "exchange failed"})
		return
	}

	now := f.clock.Now()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "https://vault.example.com",
		"sub":   SubjectOf(req.SubjectToken),
		"iat":   now.Unix(),
		"exp":   now.Add(time.Duration(expiresIn) * time.Second).Unix(),
		"scope": "read:customers",
		"act":   map[string]any{"sub": req.Role},
	}).SignedString([]byte("exchange-test"))
	if err != nil {
		f.t.Errorf("sign delegated token: %v", err)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"access_token": raw, "expires_in": expiresIn})
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newTestClient(t *testing.T, f *fakeExchange, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Address:        f.server.URL,
		Login:          &AppRole{RoleID: "role-id", SecretID: "secret-id"},
		Retry:          fastRetry(),
		RequestTimeout: 2 * time.Second,
		Now:            f.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func userToken(t *testing.T, sub string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"iss": "https://idp.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("idp-test"))
	if err != nil {
		t.Fatalf("sign user token: %v", err)
	}
	return raw
}
