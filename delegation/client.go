package delegation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/cache"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

// DefaultExchangePath is the exchange endpoint path below Address.
const DefaultExchangePath = "/v1/identity/delegation/token"

// Config configures a Client.
type Config struct {
	// Address is the exchange service base URL.
	Address string

	// ExchangePath defaults to DefaultExchangePath.
	ExchangePath string

	// Login is the agent auth method.
	Login LoginMethod

	// CredentialHeader carries the agent credential on exchange requests.
	// Default: X-Vault-Token
	CredentialHeader string

	// RenewalMargin is the minimum remaining lifetime for a cached token to
	// be reused.
	// Default: 2 minutes
	RenewalMargin time.Duration

	// DefaultTokenTTL applies when the service states no lifetime and the
	// token carries no exp.
	// Default: 5 minutes
	DefaultTokenTTL time.Duration

	// MaxCacheEntries bounds the per-user token cache.
	// Default: 1000
	MaxCacheEntries int

	// RequestTimeout bounds each HTTP attempt.
	// Default: 10 seconds
	RequestTimeout time.Duration

	// Retry configures retries of transient login and exchange failures.
	Retry resilience.RetryConfig

	// MaxConcurrentExchanges bounds in-flight exchanges.
	// Default: 32
	MaxConcurrentExchanges int

	// CircuitBreaker, when set, stops calling the exchange endpoint after
	// repeated transient failures.
	CircuitBreaker *resilience.CircuitBreakerConfig

	// ExchangeRateLimit, when set, caps exchanges per second across all
	// users. Cache hits are not counted. Exchanges over the limit fail with
	// ErrExchangeUnavailable wrapping resilience.ErrRateLimitExceeded.
	ExchangeRateLimit *resilience.RateLimiterConfig

	// ReauthInterval is the wait before Run retries a failed login.
	// Default: 5 seconds
	ReauthInterval time.Duration

	HTTPClient *http.Client

	// Now overrides the clock.
	Now func() time.Time

	Telemetry observe.Telemetry
}

// Client exchanges user tokens for delegated tokens. It is safe for
// concurrent use.
type Client struct {
	config     Config
	telemetry  observe.Telemetry
	httpClient *http.Client
	tokens     *cache.Memory[cache.PairKey, Token]

	exchanges    singleflight.Group
	logins       singleflight.Group
	exchangeExec *resilience.Executor
	loginExec    *resilience.Executor
	breaker      *resilience.CircuitBreaker
	bulkhead     *resilience.Bulkhead
	limiter      *resilience.RateLimiter

	mu          sync.RWMutex
	credential  AgentCredential
	lastAttempt time.Time
	lastErr     error

	closed atomic.Bool
}

// NewClient creates a Client. It does not authenticate until first use or
// Run.
func NewClient(config Config) (*Client, error) {
	if config.Address == "" {
		return nil, errors.New("delegation: address is required")
	}
	if config.Login == nil {
		return nil, errors.New("delegation: login method is required")
	}
	config.Address = strings.TrimRight(config.Address, "/")
	if config.ExchangePath == "" {
		config.ExchangePath = DefaultExchangePath
	}
	if config.CredentialHeader == "" {
		config.CredentialHeader = "X-Vault-Token"
	}
	if config.RenewalMargin <= 0 {
		config.RenewalMargin = 2 * time.Minute
	}
	if config.DefaultTokenTTL <= 0 {
		config.DefaultTokenTTL = 5 * time.Minute
	}
	if config.MaxCacheEntries <= 0 {
		config.MaxCacheEntries = 1000
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.MaxConcurrentExchanges <= 0 {
		config.MaxConcurrentExchanges = 32
	}
	if config.ReauthInterval <= 0 {
		config.ReauthInterval = 5 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	retry := resilience.NewRetry(config.Retry)
	bulkhead := resilience.NewBulkhead(resilience.BulkheadConfig{
		MaxConcurrent: config.MaxConcurrentExchanges,
		MaxWait:       config.RequestTimeout,
	})
	exchangeOpts := []resilience.ExecutorOption{
		resilience.WithBulkhead(bulkhead),
		resilience.WithRetry(retry),
		resilience.WithTimeout(config.RequestTimeout),
	}
	var limiter *resilience.RateLimiter
	if config.ExchangeRateLimit != nil {
		rl := *config.ExchangeRateLimit
		if rl.Now == nil {
			rl.Now = config.Now
		}
		limiter = resilience.NewRateLimiter(rl)
		exchangeOpts = append(exchangeOpts, resilience.WithRateLimiter(limiter))
	}
	telemetry := config.Telemetry.OrNop()
	var breaker *resilience.CircuitBreaker
	if config.CircuitBreaker != nil {
		cb := *config.CircuitBreaker
		if cb.Name == "" {
			cb.Name = "exchange"
		}
		if cb.IsFailure == nil {
			cb.IsFailure = func(err error) bool { return err != nil && !isRejection(err) }
		}
		if cb.OnStateChange == nil {
			cb.OnStateChange = logCircuitChange(telemetry.Logger)
		}
		breaker = resilience.NewCircuitBreaker(cb)
		exchangeOpts = append(exchangeOpts, resilience.WithCircuitBreaker(breaker))
	}

	return &Client{
		config:     config,
		telemetry:  telemetry,
		breaker:    breaker,
		bulkhead:   bulkhead,
		limiter:    limiter,
		httpClient: config.HTTPClient,
		tokens: cache.NewMemory[cache.PairKey, Token](cache.MemoryConfig{
			MaxEntries: config.MaxCacheEntries,
			Now:        config.Now,
		}),
		exchangeExec: resilience.NewExecutor(exchangeOpts...),
		loginExec: resilience.NewExecutor(
			resilience.WithRetry(retry),
			resilience.WithTimeout(config.RequestTimeout),
		),
	}, nil
}

// Authenticate logs the agent in, replacing the current credential.
// Concurrent calls share one login. Transient failures are retried; when
// the budget is exhausted the error wraps ErrAgentAuthFailed.
func (c *Client) Authenticate(ctx context.Context) (AgentCredential, error) {
	ch := c.logins.DoChan("login", func() (any, error) {
		return c.login(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return AgentCredential{}, res.Err
		}
		return res.Val.(AgentCredential), nil
	case <-ctx.Done():
		return AgentCredential{}, ctx.Err()
	}
}

func (c *Client) login(ctx context.Context) (AgentCredential, error) {
	method := c.config.Login.Name()
	ctx, span := c.telemetry.Tracer.Start(ctx, "delegation.authenticate", attribute.String("auth.method", method))

	var cred AgentCredential
	err := c.loginExec.Execute(ctx, func(ctx context.Context) error {
		var err error
		cred, err = c.postLogin(ctx)
		return err
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAgentAuthFailed, err)
	}
	c.telemetry.Tracer.EndSpan(span, err)

	c.mu.Lock()
	c.lastAttempt = c.config.Now()
	c.lastErr = err
	if err == nil {
		c.credential = cred
	}
	c.mu.Unlock()

	if err != nil {
		c.telemetry.Logger.Error(ctx, "agent authentication failed",
			observe.Field{Key: "method", Value: method},
			observe.Field{Key: "error", Value: err})
		return AgentCredential{}, err
	}
	c.telemetry.Logger.Info(ctx, "agent authenticated",
		observe.Field{Key: "method", Value: method},
		observe.Field{Key: "expires_at", Value: cred.ExpiresAt})
	return cred, nil
}

// currentCredential returns the cached agent credential, logging in when
// there is none or it has expired. A login that failed less than
// ReauthInterval ago is not repeated.
func (c *Client) currentCredential(ctx context.Context) (AgentCredential, error) {
	c.mu.RLock()
	cred, lastErr, lastAttempt := c.credential, c.lastErr, c.lastAttempt
	c.mu.RUnlock()

	now := c.config.Now()
	if cred.Valid(now) {
		return cred, nil
	}
	if lastErr != nil && now.Sub(lastAttempt) < c.config.ReauthInterval {
		return AgentCredential{}, lastErr
	}
	return c.Authenticate(ctx)
}

// Exchange presents userToken to the exchange service for role and caches
// the result. It always calls the service; use GetOrRefresh on request
// paths.
func (c *Client) Exchange(ctx context.Context, userToken, role string) (Token, error) {
	key, err := c.keyFor(userToken, role)
	if err != nil {
		return Token{}, err
	}
	return c.exchange(ctx, key, userToken)
}

// GetOrRefresh returns the cached delegated token for (role, user) while
// its remaining lifetime exceeds RenewalMargin, and exchanges otherwise.
// Concurrent calls for the same user token and role share one exchange;
// a caller that gives up does not cancel it for the others.
//
// Entries are keyed by role and subject, but a cached token or in-flight
// exchange is only reused when the caller presents the same user token
// that produced it. A different user token for the same subject, such as
// a freshly issued one, always goes to the exchange service, and two such
// tokens arriving together run two exchanges.
func (c *Client) GetOrRefresh(ctx context.Context, userToken, role string) (Token, error) {
	key, err := c.keyFor(userToken, role)
	if err != nil {
		return Token{}, err
	}
	source := cache.Digest(userToken)

	if tok, ok := c.cached(ctx, key, source); ok {
		c.telemetry.Metrics.RecordCacheLookup(ctx, role, true)
		return tok, nil
	}
	c.telemetry.Metrics.RecordCacheLookup(ctx, role, false)

	flight := key.Role + "\n" + key.Subject + "\n" + source
	ch := c.exchanges.DoChan(flight, func() (any, error) {
		if tok, ok := c.cached(ctx, key, source); ok {
			return tok, nil
		}
		return c.exchange(context.WithoutCancel(ctx), key, userToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, fmt.Errorf("%w: %w", ErrExchangeUnavailable, ctx.Err())
	}
}

// cached returns an entry for key obtained with the same user token and
// still outside the renewal margin. An entry from a different user token
// for the same subject is not reused; the new token is exchanged so the
// service validates it.
func (c *Client) cached(ctx context.Context, key cache.PairKey, source string) (Token, bool) {
	tok, ok := c.tokens.Get(ctx, key)
	if !ok || tok.source != source {
		return Token{}, false
	}
	if tok.Remaining(c.config.Now()) <= c.config.RenewalMargin {
		return Token{}, false
	}
	return tok, true
}

func (c *Client) exchange(ctx context.Context, key cache.PairKey, userToken string) (Token, error) {
	if c.closed.Load() {
		return Token{}, ErrClosed
	}

	ctx, span := c.telemetry.Tracer.Start(ctx, "delegation.exchange", attribute.String("delegation.role", key.Role))
	start := time.Now()
	tok, err := c.doExchange(ctx, key, userToken)
	c.telemetry.Tracer.EndSpan(span, err)
	c.telemetry.Metrics.RecordExchange(ctx, key.Role, time.Since(start), err)

	fields := []observe.Field{
		{Key: "role", Value: key.Role},
		{Key: "subject", Value: key.Subject},
	}
	if err != nil {
		c.telemetry.Logger.Warn(ctx, "token exchange failed", append(fields, observe.Field{Key: "error", Value: err})...)
		return Token{}, err
	}

	tok.Role = key.Role
	tok.Subject = key.Subject
	tok.source = cache.Digest(userToken)
	if !c.closed.Load() {
		_ = c.tokens.Set(ctx, key, tok, tok.ExpiresAt.Sub(c.config.Now()))
	}
	c.telemetry.Logger.Debug(ctx, "token exchanged", append(fields, observe.Field{Key: "expires_at", Value: tok.ExpiresAt})...)
	return tok, nil
}

func (c *Client) doExchange(ctx context.Context, key cache.PairKey, userToken string) (Token, error) {
	cred, err := c.currentCredential(ctx)
	if err != nil {
		if !errors.Is(err, ErrAgentAuthFailed) {
			err = fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
		}
		return Token{}, err
	}

	var tok Token
	err = c.exchangeExec.Execute(ctx, func(ctx context.Context) error {
		var err error
		tok, err = c.postExchange(ctx, cred, key.Role, userToken)
		return err
	})
	switch {
	case err == nil:
		return tok, nil
	case isRejection(err):
		return Token{}, fmt.Errorf("%w: %w", ErrExchangeRejected, err)
	default:
		return Token{}, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
}

func (c *Client) postExchange(ctx context.Context, cred AgentCredential, role, userToken string) (Token, error) {
	body, err := json.Marshal(exchangeRequest{SubjectToken: userToken, Role: role})
	if err != nil {
		return Token{}, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Address+c.config.ExchangePath, bytes.NewReader(body))
	if err != nil {
		return Token{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.config.CredentialHeader, cred.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("exchange request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Token{}, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, responseError("exchange", resp, payload)
	}

	tok, err := decodeExchangeResponse(payload, c.config.Now(), c.config.DefaultTokenTTL)
	if err != nil {
		return Token{}, resilience.Permanent(fmt.Errorf("decode exchange response: %w", err))
	}
	return tok, nil
}

func (c *Client) keyFor(userToken, role string) (cache.PairKey, error) {
	if c.closed.Load() {
		return cache.PairKey{}, ErrClosed
	}
	if strings.TrimSpace(userToken) == "" {
		return cache.PairKey{}, fmt.Errorf("%w: empty user token", ErrExchangeRejected)
	}
	key, err := cache.NewPairKey(role, SubjectOf(userToken))
	if err != nil {
		return cache.PairKey{}, fmt.Errorf("%w: %w", ErrExchangeRejected, err)
	}
	return key, nil
}

// Invalidate discards the cached token for role and subject, e.g. after a
// tool answered 401 to it. subject is the value SubjectOf returns.
func (c *Client) Invalidate(ctx context.Context, role, subject string) {
	_ = c.tokens.Delete(ctx, cache.PairKey{Role: role, Subject: subject})
}

// Close drops every cached token. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.tokens.Clear()
	return nil
}

// Run keeps the agent credential renewed, logging in again two thirds of
// the way through each credential's lifetime and retrying failed logins
// every ReauthInterval. Expired tokens are purged from the cache on the
// same schedule. It returns when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(c.nextRenewal())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.tokens.Purge()
		if _, err := c.Authenticate(ctx); err != nil && ctx.Err() == nil {
			c.telemetry.Logger.Warn(ctx, "agent credential renewal failed", observe.Field{Key: "error", Value: err})
		}
	}
}

// idleRenewal is how often Run wakes for a credential that never expires.
const idleRenewal = time.Hour

func (c *Client) nextRenewal() time.Duration {
	c.mu.RLock()
	cred, lastErr := c.credential, c.lastErr
	c.mu.RUnlock()

	now := c.config.Now()
	switch {
	case lastErr != nil:
		return c.config.ReauthInterval
	case cred.Token == "":
		return 0
	case cred.ExpiresAt.IsZero():
		return idleRenewal
	}
	return max(cred.renewAt().Sub(now), 0)
}

// CredentialStatus describes the agent credential for health reporting.
type CredentialStatus struct {
	Method        string
	Authenticated bool
	ExpiresAt     time.Time
	LastAttempt   time.Time
	LastError     error

	// ExchangeCircuit is the exchange circuit breaker position. It stays
	// closed when no breaker is configured.
	ExchangeCircuit resilience.State
	// ExchangeRetryAt is set while the circuit is open.
	ExchangeRetryAt time.Time

	ExchangesInFlight int
	// ExchangesShed counts exchanges refused because every slot was busy.
	ExchangesShed int64
	// ExchangeTokens is the rate limiter's remaining budget, or -1 when no
	// limit is configured.
	ExchangeTokens float64
}

// CredentialStatus reports the state of the agent credential.
func (c *Client) CredentialStatus() CredentialStatus {
	c.mu.RLock()
	status := CredentialStatus{
		Method:        c.config.Login.Name(),
		Authenticated: c.credential.Valid(c.config.Now()),
		ExpiresAt:     c.credential.ExpiresAt,
		LastAttempt:   c.lastAttempt,
		LastError:     c.lastErr,
	}
	c.mu.RUnlock()

	status.ExchangesInFlight = c.bulkhead.InFlight()
	status.ExchangesShed = c.bulkhead.Rejected()
	status.ExchangeTokens = -1
	if c.limiter != nil {
		status.ExchangeTokens = c.limiter.Tokens()
	}
	if c.breaker != nil {
		snap := c.breaker.Snapshot()
		status.ExchangeCircuit = snap.State
		status.ExchangeRetryAt = snap.RetryAt
	}
	return status
}

func logCircuitChange(logger observe.Logger) func(string, resilience.State, resilience.State) {
	return func(name string, from, to resilience.State) {
		fields := []observe.Field{
			{Key: "circuit", Value: name},
			{Key: "from", Value: from.String()},
			{Key: "to", Value: to.String()},
		}
		if to == resilience.StateOpen {
			logger.Warn(context.Background(), "circuit opened", fields...)
			return
		}
		logger.Info(context.Background(), "circuit state changed", fields...)
	}
}
