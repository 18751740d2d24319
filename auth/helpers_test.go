package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuerURL = "https://auth.example.com"

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

// testIssuer publishes ES256 keys over a JWKS endpoint and signs tokens
// with them.
type testIssuer struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	keys   map[string]*ecdsa.PrivateKey
	order  []string
	status int
	delay  time.Duration

	fetches atomic.Int32
}

func newTestIssuer(t *testing.T, kids ...string) *testIssuer {
	t.Helper()
	iss := &testIssuer{t: t, keys: make(map[string]*ecdsa.PrivateKey)}
	for _, kid := range kids {
		iss.addKey(kid)
	}
	iss.server = httptest.NewServer(http.HandlerFunc(iss.serveJWKS))
	t.Cleanup(iss.server.Close)
	return iss
}

func (iss *testIssuer) url() string {
	return iss.server.URL + "/.well-known/jwks.json"
}

func (iss *testIssuer) serveJWKS(w http.ResponseWriter, r *http.Request) {
	iss.fetches.Add(1)

	iss.mu.Lock()
	status, delay := iss.status, iss.delay
	set := jose.JSONWebKeySet{}
	for _, kid := range iss.order {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &iss.keys[kid].PublicKey,
			KeyID:     kid,
			Algorithm: "ES256",
			Use:       "sig",
		})
	}
	iss.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (iss *testIssuer) addKey(kid string) {
	iss.t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		iss.t.Fatalf("GenerateKey() error = %v", err)
	}
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.keys[kid] = key
	iss.order = append(iss.order, kid)
}

func (iss *testIssuer) removeKey(kid string) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	delete(iss.keys, kid)
	for i, k := range iss.order {
		if k == kid {
			iss.order = append(iss.order[:i], iss.order[i+1:]...)
			break
		}
	}
}

func (iss *testIssuer) setStatus(status int) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.status = status
}

func (iss *testIssuer) setDelay(d time.Duration) {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	iss.delay = d
}

func (iss *testIssuer) privateKey(kid string) *ecdsa.PrivateKey {
	iss.mu.Lock()
	defer iss.mu.Unlock()
	return iss.keys[kid]
}

func (iss *testIssuer) sign(kid string, claims jwt.MapClaims) string {
	iss.t.Helper()
	return signES256(iss.t, iss.privateKey(kid), kid, claims)
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

// validClaims returns a delegated token payload valid at now.
func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuerURL,
		"sub":   "user-123",
		"aud":   "customer-tools",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"jti":   "tok-1",
		"scope": "read:customers write:orders",
		"subject_claims": map[string]any{
			"email":       "alice@example.com",
			"permissions": []string{"read:customers", "read:orders"},
		},
		"act": map[string]any{
			"sub": "customer-agent",
			"iss": "https://vault.example.com",
		},
	}
}

// staticKeys resolves from a fixed map.
type staticKeys map[string]SigningKey

func (s staticKeys) Resolve(_ context.Context, kid string) (SigningKey, error) {
	key, ok := s[kid]
	if !ok {
		return SigningKey{}, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
	}
	return key, nil
}

type resolverFunc func(ctx context.Context, kid string) (SigningKey, error)

func (f resolverFunc) Resolve(ctx context.Context, kid string) (SigningKey, error) {
	return f(ctx, kid)
}

func newSigningKey(t *testing.T, kid string) (*ecdsa.PrivateKey, SigningKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return priv, SigningKey{KeyID: kid, Algorithm: "ES256", PublicMaterial: &priv.PublicKey}
}
