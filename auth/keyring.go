package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
)

// SigningKey is a verification key published by the token issuer. Keys are
// immutable; a rotation replaces them, it never mutates them.
type SigningKey struct {
	KeyID          string
	Algorithm      string
	PublicMaterial crypto.PublicKey
	FetchedAt      time.Time
}

// KeyResolver resolves a key identifier to a verification key.
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (SigningKey, error)
}

// KeyRingConfig configures a KeyRing.
type KeyRingConfig struct {
	// URL is the key-discovery (JWKS) endpoint.
	URL string

	// RefreshInterval is how long a fetched set is considered fresh.
	// Default: 1 hour
	RefreshInterval time.Duration

	// MaxStaleness is how long past RefreshInterval a set may still be
	// served when refreshing fails, and how long a key removed by a
	// rotation stays resolvable.
	// Default: 5 minutes
	MaxStaleness time.Duration

	// MinRefreshInterval throttles refreshes forced by unknown key ids and
	// retries after a failed fetch. Negative disables throttling.
	// Default: 5 seconds
	MinRefreshInterval time.Duration

	// FetchTimeout bounds each fetch attempt.
	// Default: 10 seconds
	FetchTimeout time.Duration

	// Retry configures retries of transient fetch failures.
	Retry resilience.RetryConfig

	// HTTPClient is used for fetches. Default: http.DefaultClient.
	HTTPClient *http.Client

	// Now overrides the clock.
	Now func() time.Time

	Telemetry observe.Telemetry
}

type keySet struct {
	keys       map[string]SigningKey
	fetchedAt  time.Time
	generation uint64
}

func (s *keySet) gen() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

type retiredKey struct {
	key       SigningKey
	retiredAt time.Time
}

// KeyRing caches the issuer's signing keys. Readers always observe a
// complete set; refreshes are single-flighted.
type KeyRing struct {
	config    KeyRingConfig
	telemetry observe.Telemetry
	executor  *resilience.Executor
	limiter   *resilience.RateLimiter
	group     singleflight.Group

	current atomic.Pointer[keySet]

	mu          sync.RWMutex
	retired     map[string]retiredKey
	lastAttempt time.Time
	lastErr     error
}

// NewKeyRing creates a KeyRing. No fetch happens until the first Resolve,
// Refresh or Run.
func NewKeyRing(config KeyRingConfig) (*KeyRing, error) {
	if config.URL == "" {
		return nil, errors.New("auth: key ring URL is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Hour
	}
	if config.MaxStaleness <= 0 {
		config.MaxStaleness = 5 * time.Minute
	}
	if config.MinRefreshInterval == 0 {
		config.MinRefreshInterval = 5 * time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &KeyRing{
		config:    config,
		telemetry: config.Telemetry.OrNop(),
		executor: resilience.NewExecutor(
			resilience.WithRetry(resilience.NewRetry(config.Retry)),
			resilience.WithTimeout(config.FetchTimeout),
		),
		limiter: resilience.NewIntervalLimiter(config.MinRefreshInterval, config.Now),
		retired: make(map[string]retiredKey),
	}, nil
}

// Resolve returns the key for keyID. A fresh set answers directly; an
// unknown id or an expired set triggers one shared refresh. When the
// refresh fails a stale set is still served within MaxStaleness, after
// which Resolve fails with ErrKeyRingUnavailable.
func (k *KeyRing) Resolve(ctx context.Context, keyID string) (SigningKey, error) {
	now := k.config.Now()
	key, found, set := k.lookup(keyID, now)
	if k.fresh(set, now) {
		if found {
			return key, nil
		}
		if !k.limiter.Allow() {
			return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
		}
	}

	refreshErr := k.refreshShared(ctx, set.gen())

	now = k.config.Now()
	key, found, set = k.lookup(keyID, now)
	if refreshErr == nil {
		if found {
			return key, nil
		}
		return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, keyID)
	}
	if found && k.usable(set, now) {
		k.telemetry.Logger.Debug(ctx, "serving key from stale set",
			observe.Field{Key: "kid", Value: keyID},
			observe.Field{Key: "error", Value: refreshErr})
		return key, nil
	}
	return SigningKey{}, fmt.Errorf("%w: %w", ErrKeyRingUnavailable, refreshErr)
}

// Refresh fetches the key set now, joining any refresh already in flight.
func (k *KeyRing) Refresh(ctx context.Context) error {
	return k.refreshShared(ctx, k.current.Load().gen())
}

// Run refreshes the key set every RefreshInterval until ctx is done.
func (k *KeyRing) Run(ctx context.Context) error {
	if err := k.Refresh(ctx); err != nil && ctx.Err() == nil {
		k.telemetry.Logger.Warn(ctx, "initial key fetch failed", observe.Field{Key: "error", Value: err})
	}

	ticker := time.NewTicker(k.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = k.Refresh(ctx)
		}
	}
}

// KeyRingStatus describes the cached key set for health reporting.
type KeyRingStatus struct {
	FetchedAt   time.Time
	Keys        int
	Fresh       bool
	Usable      bool
	LastAttempt time.Time
	LastError   error
}

// Status reports the state of the cached set.
func (k *KeyRing) Status() KeyRingStatus {
	now := k.config.Now()
	set := k.current.Load()

	k.mu.RLock()
	status := KeyRingStatus{LastAttempt: k.lastAttempt, LastError: k.lastErr}
	k.mu.RUnlock()

	if set != nil {
		status.FetchedAt = set.fetchedAt
		status.Keys = len(set.keys)
		status.Fresh = k.fresh(set, now)
		status.Usable = k.usable(set, now)
	}
	return status
}

func (k *KeyRing) lookup(keyID string, now time.Time) (SigningKey, bool, *keySet) {
	set := k.current.Load()
	if set != nil {
		if key, ok := set.keys[keyID]; ok {
			return key, true, set
		}
	}

	k.mu.RLock()
	r, ok := k.retired[keyID]
	k.mu.RUnlock()
	if ok && now.Sub(r.retiredAt) < k.config.MaxStaleness {
		return r.key, true, set
	}
	return SigningKey{}, false, set
}

func (k *KeyRing) fresh(set *keySet, now time.Time) bool {
	return set != nil && now.Sub(set.fetchedAt) < k.config.RefreshInterval
}

func (k *KeyRing) usable(set *keySet, now time.Time) bool {
	return set != nil && now.Sub(set.fetchedAt) < k.config.RefreshInterval+k.config.MaxStaleness
}

// refreshShared runs at most one fetch at a time. A caller that observed
// generation seen skips the fetch if another refresh has installed a newer
// set since. The fetch runs detached from ctx so one caller giving up does
// not fail the others.
func (k *KeyRing) refreshShared(ctx context.Context, seen uint64) error {
	ch := k.group.DoChan("keys", func() (any, error) {
		if k.current.Load().gen() != seen {
			return nil, nil
		}
		if err := k.recentFailure(); err != nil {
			return nil, err
		}
		return nil, k.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KeyRing) recentFailure() error {
	if k.config.MinRefreshInterval < 0 {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.lastErr != nil && k.config.Now().Sub(k.lastAttempt) < k.config.MinRefreshInterval {
		return k.lastErr
	}
	return nil
}

func (k *KeyRing) refresh(ctx context.Context) error {
	ctx, span := k.telemetry.Tracer.Start(ctx, "auth.keyring.refresh", attribute.String("jwks.url", k.config.URL))
	start := time.Now()

	var keys map[string]SigningKey
	err := k.executor.Execute(ctx, func(ctx context.Context) error {
		var err error
		keys, err = k.fetch(ctx)
		return err
	})

	k.telemetry.Tracer.EndSpan(span, err)
	k.telemetry.Metrics.RecordKeyRefresh(ctx, time.Since(start), len(keys), err)

	now := k.config.Now()
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lastAttempt = now
	k.lastErr = err
	if err != nil {
		k.telemetry.Logger.Warn(ctx, "key set refresh failed",
			observe.Field{Key: "url", Value: k.config.URL},
			observe.Field{Key: "error", Value: err})
		return err
	}

	old := k.current.Load()
	if old != nil {
		for kid, key := range old.keys {
			if _, kept := keys[kid]; !kept {
				k.retired[kid] = retiredKey{key: key, retiredAt: now}
			}
		}
	}
	for kid, r := range k.retired {
		if _, back := keys[kid]; back || now.Sub(r.retiredAt) >= k.config.MaxStaleness {
			delete(k.retired, kid)
		}
	}
	k.current.Store(&keySet{keys: keys, fetchedAt: now, generation: old.gen() + 1})

	k.telemetry.Logger.Debug(ctx, "key set refreshed", observe.Field{Key: "keys", Value: len(keys)})
	return nil
}

const maxKeySetBytes = 1 << 20

func (k *KeyRing) fetch(ctx context.Context) (map[string]SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.config.URL, nil)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := k.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("key endpoint returned status %d", resp.StatusCode)
	default:
		return nil, resilience.Permanent(fmt.Errorf("key endpoint returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	keys, err := k.parseKeySet(ctx, data)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	return keys, nil
}

// parseKeySet decodes a JWKS document. Entries that cannot be used for
// signature verification are skipped individually so one bad key does not
// hide the others.
func (k *KeyRing) parseKeySet(ctx context.Context, data []byte) (map[string]SigningKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("decode key set: missing keys member")
	}

	fetchedAt := k.config.Now()
	keys := make(map[string]SigningKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		key, err := signingKeyFromJWK(raw, fetchedAt)
		if err != nil {
			k.telemetry.Logger.Debug(ctx, "skipping key", observe.Field{Key: "error", Value: err})
			continue
		}
		if _, dup := keys[key.KeyID]; dup {
			k.telemetry.Logger.Debug(ctx, "skipping duplicate key id", observe.Field{Key: "kid", Value: key.KeyID})
			continue
		}
		keys[key.KeyID] = key
	}
	return keys, nil
}

func signingKeyFromJWK(raw json.RawMessage, fetchedAt time.Time) (SigningKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return SigningKey{}, err
	}
	if jwk.KeyID == "" {
		return SigningKey{}, errors.New("key has no kid")
	}
	if jwk.Use != "" && jwk.Use != "sig" {
		return SigningKey{}, fmt.Errorf("key %q is not a signing key (use=%q)", jwk.KeyID, jwk.Use)
	}
	if !jwk.IsPublic() {
		jwk = jwk.Public()
		if jwk.Key == nil {
			return SigningKey{}, errors.New("key has no public component")
		}
	}
	if !jwk.Valid() {
		return SigningKey{}, fmt.Errorf("key %q is invalid", jwk.KeyID)
	}

	alg := jwk.Algorithm
	if alg == "" {
		alg = inferAlgorithm(jwk.Key)
	}
	if jwt.GetSigningMethod(alg) == nil || !compatible(alg, jwk.Key) {
		return SigningKey{}, fmt.Errorf("key %q: algorithm %q unsupported for %T", jwk.KeyID, alg, jwk.Key)
	}

	return SigningKey{
		KeyID:          jwk.KeyID,
		Algorithm:      alg,
		PublicMaterial: jwk.Key,
		FetchedAt:      fetchedAt,
	}, nil
}

func inferAlgorithm(pub crypto.PublicKey) string {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		switch key.Curve {
		case elliptic.P256():
			return "ES256"
		case elliptic.P384():
			return "ES384"
		case elliptic.P521():
			return "ES512"
		}
	case ed25519.PublicKey:
		return "EdDSA"
	}
	return ""
}

func compatible(alg string, pub crypto.PublicKey) bool {
	switch pub.(type) {
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return inferAlgorithm(pub) == alg
	case ed25519.PublicKey:
		return alg == "EdDSA"
	default:
		return false
	}
}

var _ KeyResolver = (*KeyRing)(nil)
