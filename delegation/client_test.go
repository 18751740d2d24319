package delegation

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

func TestNewClient_RequiresAddressAndLogin(t *testing.T) {
	if _, err := NewClient(Config{Login: &AppRole{}}); err == nil {
		t.Error("NewClient() without address should fail")
	}
	if _, err := NewClient(Config{Address: "http://x"}); err == nil {
		t.Error("NewClient() without login method should fail")
	}
}

func TestClient_GetOrRefreshCachesPerPair(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	user := userToken(t, "user-123")

	tok, err := c.GetOrRefresh(ctx, user, "customer-agent")
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if tok.Subject != "user-123" || tok.Role != "customer-agent" {
		t.Errorf("token = %s/%s, want customer-agent/user-123", tok.Role, tok.Subject)
	}
	if tok.Claims == nil || tok.Claims.Actor.Subject != "customer-agent" {
		t.Errorf("Claims = %+v, want decoded actor", tok.Claims)
	}
	if got := tok.Remaining(f.clock.Now()); got != 5*time.Minute {
		t.Errorf("Remaining() = %v, want 5m", got)
	}

	f.mu.Lock()
	if f.lastExchange.SubjectToken != user || f.lastExchange.Role != "customer-agent" {
		t.Errorf("exchange request = %+v", f.lastExchange)
	}
	if f.lastCredential != "agent-token-1" {
		t.Errorf("credential header = %q, want agent-token-1", f.lastCredential)
	}
	if f.lastMount != "approle" || f.lastLogin["role_id"] != "role-id" || f.lastLogin["secret_id"] != "secret-id" {
		t.Errorf("login = %s %v", f.lastMount, f.lastLogin)
	}
	f.mu.Unlock()

	again, err := c.GetOrRefresh(ctx, user, "customer-agent")
	if err != nil {
		t.Fatalf("second GetOrRefresh() error = %v", err)
	}
	if again.Raw != tok.Raw {
		t.Error("second call should return the cached token")
	}
	if f.exchanges.Load() != 1 || f.logins.Load() != 1 {
		t.Errorf("exchanges = %d, logins = %d; want 1, 1", f.exchanges.Load(), f.logins.Load())
	}

	if _, err := c.GetOrRefresh(ctx, user, "billing-agent"); err != nil {
		t.Fatalf("GetOrRefresh(other role) error = %v", err)
	}
	if f.exchanges.Load() != 2 {
		t.Errorf("a different role must not share the cache entry, exchanges = %d", f.exchanges.Load())
	}
}

func TestClient_ConcurrentCallsShareOneExchange(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.delay = 50 * time.Millisecond })
	c := newTestClient(t, f, nil)
	user := userToken(t, "user-123")

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan Token, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.GetOrRefresh(context.Background(), user, "customer-agent")
			if err != nil {
				t.Errorf("GetOrRefresh() error = %v", err)
				return
			}
			results <- tok
		}()
	}
	wg.Wait()
	close(results)

	if got := f.exchanges.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
	var first string
	for tok := range results {
		if first == "" {
			first = tok.Raw
		}
		if tok.Raw != first {
			t.Fatal("all callers should receive the same token")
		}
	}
}

func TestClient_ConcurrentFailuresShared(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) {
		f.delay = 50 * time.Millisecond
		f.exchangeStatus = http.StatusBadRequest
		f.exchangeError = "invalid_grant"
	})
	c := newTestClient(t, f, nil)
	user := userToken(t, "user-123")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.GetOrRefresh(context.Background(), user, "customer-agent"); !errors.Is(err, ErrExchangeRejected) {
				t.Errorf("GetOrRefresh() error = %v, want ErrExchangeRejected", err)
			}
		}()
	}
	wg.Wait()
	if got := f.exchanges.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

func TestClient_RejectedIsNotRetried(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) {
		f.exchangeStatus = http.StatusBadRequest
		f.exchangeError = "invalid_grant"
	})
	c := newTestClient(t, f, nil)

	_, err := c.GetOrRefresh(context.Background(), userToken(t, "user-123"), "customer-agent")
	if !errors.Is(err, ErrExchangeRejected) {
		t.Fatalf("GetOrRefresh() error = %v, want ErrExchangeRejected", err)
	}
	if errors.Is(err, ErrExchangeUnavailable) {
		t.Error("a rejection must match exactly one sentinel")
	}
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Code != "invalid_grant" || xerr.StatusCode != http.StatusBadRequest {
		t.Errorf("ExchangeError = %+v", xerr)
	}
	if !errors.Is(err, auth.ErrUnauthenticated) || auth.StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode() = %d, want 401", auth.StatusCode(err))
	}
	if got := f.exchanges.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

func TestClient_TransientFailuresRetriedThenUnavailable(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.exchangeStatus = http.StatusServiceUnavailable })
	c := newTestClient(t, f, nil)

	_, err := c.GetOrRefresh(context.Background(), userToken(t, "user-123"), "customer-agent")
	if !errors.Is(err, ErrExchangeUnavailable) {
		t.Fatalf("GetOrRefresh() error = %v, want ErrExchangeUnavailable", err)
	}
	if !errors.Is(err, resilience.ErrMaxRetriesExceeded) {
		t.Errorf("error should report exhausted retries: %v", err)
	}
	if auth.StatusCode(err) != http.StatusServiceUnavailable || !auth.Retryable(err) {
		t.Errorf("StatusCode() = %d, want 503 and retryable", auth.StatusCode(err))
	}
	if got := f.exchanges.Load(); got != 3 {
		t.Errorf("exchanges = %d, want 3", got)
	}

	f.set(func(f *fakeExchange) { f.exchangeStatus = 0 })
	if _, err := c.GetOrRefresh(context.Background(), userToken(t, "user-123"), "customer-agent"); err != nil {
		t.Errorf("GetOrRefresh() after recovery error = %v", err)
	}
}

func TestClient_RenewalMargin(t *testing.T) {
	const lifetime = 5 * time.Minute

	for _, margin := range []time.Duration{30 * time.Second, 2 * time.Minute, 4 * time.Minute} {
		t.Run(margin.String(), func(t *testing.T) {
			clock := newFakeClock()
			f := newFakeExchange(t, clock)
			c := newTestClient(t, f, func(cfg *Config) { cfg.RenewalMargin = margin })
			ctx := context.Background()
			user := userToken(t, "user-123")

			if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil {
				t.Fatalf("GetOrRefresh() error = %v", err)
			}

			clock.Advance(lifetime - margin - time.Second)
			if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil {
				t.Fatalf("GetOrRefresh() error = %v", err)
			}
			if got := f.exchanges.Load(); got != 1 {
				t.Fatalf("exchanges = %d, token outside the margin should be reused", got)
			}

			clock.Advance(2 * time.Second)
			tok, err := c.GetOrRefresh(ctx, user, "customer-agent")
			if err != nil {
				t.Fatalf("GetOrRefresh() error = %v", err)
			}
			if got := f.exchanges.Load(); got != 2 {
				t.Errorf("exchanges = %d, token inside the margin should be refreshed", got)
			}
			if !tok.ExpiresAt.Equal(clock.Now().Add(lifetime)) {
				t.Errorf("ExpiresAt = %v, want a fresh lifetime", tok.ExpiresAt)
			}
		})
	}
}

func TestClient_CancelledCallerDoesNotAbortOthers(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.delay = 100 * time.Millisecond })
	c := newTestClient(t, f, nil)
	user := userToken(t, "user-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.GetOrRefresh(ctx, user, "customer-agent")
		cancelled <- err
	}()

	time.Sleep(20 * time.Millisecond)
	other := make(chan error, 1)
	go func() {
		_, err := c.GetOrRefresh(context.Background(), user, "customer-agent")
		other <- err
	}()
	cancel()

	if err := <-cancelled; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	if err := <-other; err != nil {
		t.Errorf("other caller error = %v, want nil", err)
	}
	if got := f.exchanges.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

func TestClient_DifferentUserTokenSameSubjectIsExchanged(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	first := userToken(t, "user-123")
	second := first + "x"

	if _, err := c.GetOrRefresh(ctx, first, "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if _, err := c.GetOrRefresh(ctx, second, "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got := f.exchanges.Load(); got != 2 {
		t.Errorf("exchanges = %d, want 2", got)
	}
	if got := c.tokens.Len(); got != 1 {
		t.Errorf("cache entries = %d, want one entry per (role, subject)", got)
	}
}

func TestClient_OpaqueUserToken(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)

	tok, err := c.GetOrRefresh(context.Background(), "opaque-user-token", "customer-agent")
	if err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if !strings.HasPrefix(tok.Subject, "sha256:") || strings.Contains(tok.Subject, "opaque") {
		t.Errorf("Subject = %q, want a digest", tok.Subject)
	}
}

func TestClient_RejectsBadInput(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)

	for _, tc := range []struct{ user, role string }{{"", "customer-agent"}, {"tok", ""}, {"tok", "bad\nrole"}} {
		if _, err := c.GetOrRefresh(context.Background(), tc.user, tc.role); !errors.Is(err, ErrExchangeRejected) {
			t.Errorf("GetOrRefresh(%q, %q) error = %v, want ErrExchangeRejected", tc.user, tc.role, err)
		}
	}
	if f.exchanges.Load() != 0 {
		t.Error("invalid input must not reach the exchange service")
	}
}

func TestClient_Invalidate(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	user := userToken(t, "user-123")

	if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got := c.tokens.Len(); got != 1 {
		t.Fatalf("cached tokens = %d, want 1", got)
	}
	c.Invalidate(ctx, "customer-agent", SubjectOf(user))
	if got := c.tokens.Len(); got != 0 {
		t.Fatalf("cached tokens after Invalidate = %d, want 0", got)
	}
	if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}

	if got := f.exchanges.Load(); got != 2 {
		t.Errorf("exchanges = %d, want 2", got)
	}
}

func TestClient_Exchange(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)
	ctx := context.Background()
	user := userToken(t, "user-123")

	if _, err := c.Exchange(ctx, user, "customer-agent"); err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if _, err := c.Exchange(ctx, user, "customer-agent"); err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if got := f.exchanges.Load(); got != 2 {
		t.Errorf("Exchange() should always call the service, exchanges = %d", got)
	}
	if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil || f.exchanges.Load() != 2 {
		t.Errorf("GetOrRefresh() should use the token stored by Exchange")
	}
}

func TestClient_Close(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, nil)
	user := userToken(t, "user-123")

	_, _ = c.GetOrRefresh(context.Background(), user, "customer-agent")
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := c.GetOrRefresh(context.Background(), user, "customer-agent"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrRefresh() after Close error = %v, want ErrClosed", err)
	}
	if c.tokens.Len() != 0 {
		t.Error("Close() should drop cached tokens")
	}
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.exchangeStatus = http.StatusBadGateway })
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Retry = resilience.RetryConfig{MaxAttempts: 1}
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = c.GetOrRefresh(ctx, userToken(t, "user-123"), "customer-agent")
	}
	_, err := c.GetOrRefresh(ctx, userToken(t, "user-123"), "customer-agent")
	if !errors.Is(err, ErrExchangeUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("GetOrRefresh() error = %v, want open circuit", err)
	}
	if got := f.exchanges.Load(); got != 2 {
		t.Errorf("exchanges = %d, want 2", got)
	}
}

func TestClient_ExchangeRateLimit(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.ExchangeRateLimit = &resilience.RateLimiterConfig{Rate: 0.01, Burst: 2}
	})
	ctx := context.Background()
	first := userToken(t, "user-1")

	for _, user := range []string{first, userToken(t, "user-2")} {
		if _, err := c.GetOrRefresh(ctx, user, "customer-agent"); err != nil {
			t.Fatalf("GetOrRefresh() error = %v", err)
		}
	}
	_, err := c.GetOrRefresh(ctx, userToken(t, "user-3"), "customer-agent")
	if !errors.Is(err, ErrExchangeUnavailable) || !errors.Is(err, resilience.ErrRateLimitExceeded) {
		t.Fatalf("GetOrRefresh() error = %v, want rate limited exchange", err)
	}
	if _, err := c.GetOrRefresh(ctx, first, "customer-agent"); err != nil {
		t.Errorf("cached GetOrRefresh() error = %v, want cache hit", err)
	}
	if got := f.exchanges.Load(); got != 2 {
		t.Errorf("exchanges = %d, want 2", got)
	}

	status := c.CredentialStatus()
	if status.ExchangeTokens < 0 || status.ExchangeTokens >= 1 {
		t.Errorf("ExchangeTokens = %v, want an exhausted bucket", status.ExchangeTokens)
	}
	if status.ExchangesInFlight != 0 || status.ExchangesShed != 0 {
		t.Errorf("CredentialStatus() = %+v, want no exchanges in flight or shed", status)
	}
}

func TestClient_StatusWithoutRateLimit(t *testing.T) {
	c := newTestClient(t, newFakeExchange(t, newFakeClock()), nil)
	if got := c.CredentialStatus().ExchangeTokens; got != -1 {
		t.Errorf("ExchangeTokens = %v, want -1", got)
	}
}

func TestClient_RejectionsDoNotOpenCircuit(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.exchangeStatus = http.StatusForbidden })
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.CircuitBreaker = &resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}
	})

	for i := 0; i < 5; i++ {
		_, err := c.GetOrRefresh(context.Background(), userToken(t, "user-123"), "customer-agent")
		if !errors.Is(err, ErrExchangeRejected) {
			t.Fatalf("GetOrRefresh() error = %v, want ErrExchangeRejected", err)
		}
	}
	if got := f.exchanges.Load(); got != 5 {
		t.Errorf("exchanges = %d, want 5", got)
	}
}

func TestClient_AgentAuthExhaustion(t *testing.T) {
	clock := newFakeClock()
	f := newFakeExchange(t, clock)
	f.set(func(f *fakeExchange) { f.loginStatus = http.StatusInternalServerError })
	c := newTestClient(t, f, nil)
	user := userToken(t, "user-123")

	_, err := c.GetOrRefresh(context.Background(), user, "customer-agent")
	if !errors.Is(err, ErrAgentAuthFailed) {
		t.Fatalf("GetOrRefresh() error = %v, want ErrAgentAuthFailed", err)
	}
	if auth.StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("StatusCode() = %d, want 503", auth.StatusCode(err))
	}
	if got := f.logins.Load(); got != 3 {
		t.Errorf("logins = %d, want 3", got)
	}
	if f.exchanges.Load() != 0 {
		t.Error("exchange must not be attempted without an agent credential")
	}

	// A recent failure is reported again without another login burst.
	if _, err := c.GetOrRefresh(context.Background(), user, "customer-agent"); !errors.Is(err, ErrAgentAuthFailed) {
		t.Fatalf("GetOrRefresh() error = %v, want ErrAgentAuthFailed", err)
	}
	if got := f.logins.Load(); got != 3 {
		t.Errorf("logins = %d, want 3", got)
	}

	status := c.CredentialStatus()
	if status.Authenticated || status.LastError == nil || status.Method != "approle" {
		t.Errorf("CredentialStatus() = %+v", status)
	}

	f.set(func(f *fakeExchange) { f.loginStatus = 0 })
	clock.Advance(6 * time.Second)
	if _, err := c.GetOrRefresh(context.Background(), user, "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() after recovery error = %v", err)
	}
	if !c.CredentialStatus().Authenticated {
		t.Error("credential should be valid after recovery")
	}
}

func TestClient_LoginRejectedNotRetried(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.loginStatus = http.StatusBadRequest })
	c := newTestClient(t, f, nil)

	_, err := c.Authenticate(context.Background())
	if !errors.Is(err, ErrAgentAuthFailed) {
		t.Fatalf("Authenticate() error = %v, want ErrAgentAuthFailed", err)
	}
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || xerr.Endpoint != "login" || xerr.Message != "permission denied" {
		t.Errorf("ExchangeError = %+v", xerr)
	}
	if got := f.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
}

func TestClient_ExpiredCredentialReauthenticates(t *testing.T) {
	clock := newFakeClock()
	f := newFakeExchange(t, clock)
	f.set(func(f *fakeExchange) { f.leaseDuration = 60 })
	c := newTestClient(t, f, nil)
	ctx := context.Background()

	if _, err := c.GetOrRefresh(ctx, userToken(t, "a"), "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	clock.Advance(61 * time.Second)
	if _, err := c.GetOrRefresh(ctx, userToken(t, "b"), "customer-agent"); err != nil {
		t.Fatalf("GetOrRefresh() error = %v", err)
	}
	if got := f.logins.Load(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastCredential != "agent-token-2" {
		t.Errorf("credential header = %q, want the renewed credential", f.lastCredential)
	}
}

func TestClient_KubernetesLogin(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("sa-jwt\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Login = &Kubernetes{Role: "customer-agent", TokenPath: tokenPath, MountPath: "k8s-prod"}
	})

	cred, err := c.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if cred.Method != "kubernetes" || cred.ExpiresAt.Sub(cred.IssuedAt) != time.Hour {
		t.Errorf("credential = %+v", cred)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastMount != "k8s-prod" || f.lastLogin["role"] != "customer-agent" || f.lastLogin["jwt"] != "sa-jwt" {
		t.Errorf("login = %s %v", f.lastMount, f.lastLogin)
	}
}

func TestClient_KubernetesMissingTokenFile(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Login = &Kubernetes{Role: "r", TokenPath: filepath.Join(t.TempDir(), "missing")}
	})
	if _, err := c.Authenticate(context.Background()); !errors.Is(err, ErrAgentAuthFailed) {
		t.Fatalf("Authenticate() error = %v, want ErrAgentAuthFailed", err)
	}
	if f.logins.Load() != 0 {
		t.Error("no login request should be sent without a token")
	}
}

func TestClient_RunRenewsCredential(t *testing.T) {
	f := newFakeExchange(t, newFakeClock())
	f.set(func(f *fakeExchange) { f.leaseDuration = 1 })
	c := newTestClient(t, f, func(cfg *Config) { cfg.Now = nil })

	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if got := f.logins.Load(); got < 2 {
		t.Errorf("logins = %d, want at least 2", got)
	}
}
