package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestValidator(t *testing.T, clock *fakeClock, agents ...string) (*Validator, func(jwt.MapClaims) string) {
	t.Helper()
	priv, key := newSigningKey(t, "k1")
	v := NewValidator(staticKeys{"k1": key}, ValidatorConfig{Now: clock.Now, KnownAgents: agents})
	sign := func(c jwt.MapClaims) string { return signES256(t, priv, "k1", c) }
	return v, sign
}

func TestValidator_AcceptsValidToken(t *testing.T) {
	clock := newFakeClock()
	v, sign := newTestValidator(t, clock)

	claims := validClaims(clock.Now())
	claims["tenant"] = "acme"
	token, err := v.Validate(context.Background(), sign(claims), testIssuerURL)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if token.Subject != "user-123" {
		t.Errorf("Subject = %q, want user-123", token.Subject)
	}
	if token.Actor.Subject != "customer-agent" || token.Actor.Issuer != "https://vault.example.com" {
		t.Errorf("Actor = %+v", token.Actor)
	}
	if !token.Scope.Equal(ParseScope("write:orders read:customers")) {
		t.Errorf("Scope = %v", token.Scope)
	}
	if !token.SubjectClaims.Permissions.Has("read:orders") {
		t.Errorf("Permissions = %v", token.SubjectClaims.Permissions)
	}
	if token.SubjectClaims.Email != "alice@example.com" {
		t.Errorf("Email = %q", token.SubjectClaims.Email)
	}
	if raw, ok := token.Claim("tenant"); !ok || string(raw) != `"acme"` {
		t.Errorf("Claim(tenant) = %s, %v", raw, ok)
	}
	if !token.ExpiresAt.Equal(clock.Now().Add(5 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", token.ExpiresAt)
	}
}

func TestValidator_Rejections(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		issuer string
		want   error
	}{
		{name: "issuer mismatch", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, want: ErrIssuerMismatch},
		{name: "empty required issuer", issuer: "-", want: ErrIssuerMismatch},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Second).Unix() }, want: ErrExpired},
		{name: "expires now", mutate: func(c jwt.MapClaims) { c["exp"] = now.Unix() }, want: ErrExpired},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }, want: ErrMalformed},
		{name: "issued in future", mutate: func(c jwt.MapClaims) { c["iat"] = now.Add(31 * time.Second).Unix() }, want: ErrNotYetValid},
		{name: "not before in future", mutate: func(c jwt.MapClaims) { c["nbf"] = now.Add(time.Minute).Unix() }, want: ErrNotYetValid},
		{name: "missing actor", mutate: func(c jwt.MapClaims) { delete(c, "act") }, want: ErrMissingActor},
		{name: "empty actor", mutate: func(c jwt.MapClaims) { c["act"] = map[string]any{"iss": "x"} }, want: ErrMissingActor},
		{name: "bad scope type", mutate: func(c jwt.MapClaims) { c["scope"] = 42 }, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, sign := newTestValidator(t, clock)
			claims := validClaims(now)
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			issuer := testIssuerURL
			if tt.issuer == "-" {
				issuer = ""
			}

			token, err := v.Validate(context.Background(), sign(claims), issuer)
			if token != nil {
				t.Errorf("Validate() returned a token on failure")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("error %v should be in the unauthenticated class", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Kind != tt.want {
				t.Errorf("ValidationError.Kind = %v, want %v", verr, tt.want)
			}
			if StatusCode(err) != http.StatusUnauthorized {
				t.Errorf("StatusCode() = %d, want 401", StatusCode(err))
			}
		})
	}
}

func TestValidator_AcceptsWithinTolerances(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "expires in one second", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(time.Second).Unix() }},
		{name: "issued within skew", mutate: func(c jwt.MapClaims) { c["iat"] = now.Add(29 * time.Second).Unix() }},
		{name: "not before within skew", mutate: func(c jwt.MapClaims) { c["nbf"] = now.Add(30 * time.Second).Unix() }},
		{name: "scope as array", mutate: func(c jwt.MapClaims) { c["scope"] = []string{"read:customers"} }},
		{name: "no iat", mutate: func(c jwt.MapClaims) { delete(c, "iat") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, sign := newTestValidator(t, clock)
			claims := validClaims(now)
			tt.mutate(claims)
			if _, err := v.Validate(context.Background(), sign(claims), testIssuerURL); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestValidator_Malformed(t *testing.T) {
	v, _ := newTestValidator(t, newFakeClock())
	for _, raw := range []string{"", "not-a-token", "a.b", "a.b.c", "eyJhbGciOiJFUzI1NiJ9.e30."} {
		_, err := v.Validate(context.Background(), raw, testIssuerURL)
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Validate(%q) error = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestValidator_UnknownKey(t *testing.T) {
	clock := newFakeClock()
	v, _ := newTestValidator(t, clock)
	otherKey, _ := newSigningKey(t, "k2")

	tests := map[string]string{
		"unknown kid": signES256(t, otherKey, "k2", validClaims(clock.Now())),
		"missing kid": signES256(t, otherKey, "", validClaims(clock.Now())),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), raw, testIssuerURL)
			if !errors.Is(err, ErrUnknownKey) {
				t.Fatalf("Validate() error = %v, want ErrUnknownKey", err)
			}
		})
	}
}

func flipSignatureBit(t *testing.T, raw string) string {
	t.Helper()
	parts := strings.Split(raw, ".")
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	sig[len(sig)/2] ^= 0x01
	parts[2] = base64.RawURLEncoding.EncodeToString(sig)
	return strings.Join(parts, ".")
}

// flipLastEncodedBit toggles the low bit of the signature segment's final
// character. For an ES256 signature that bit is base64 padding and does not
// survive lenient decoding.
func flipLastEncodedBit(t *testing.T, raw string) string {
	t.Helper()
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	last := raw[len(raw)-1]
	i := strings.IndexByte(alphabet, last)
	if i < 0 {
		t.Fatalf("last character %q is not base64url", last)
	}
	return raw[:len(raw)-1] + string(alphabet[i^1])
}

func TestValidator_InvalidSignature(t *testing.T) {
	clock := newFakeClock()
	v, sign := newTestValidator(t, clock)
	raw := sign(validClaims(clock.Now()))

	t.Run("flipped signature bit", func(t *testing.T) {
		_, err := v.Validate(context.Background(), flipSignatureBit(t, raw), testIssuerURL)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Validate() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("flipped bit in last encoded character", func(t *testing.T) {
		altered := flipLastEncodedBit(t, raw)
		if altered == raw {
			t.Fatal("signature segment unchanged")
		}
		_, err := v.Validate(context.Background(), altered, testIssuerURL)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Validate() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(raw, ".")
		forged := validClaims(clock.Now())
		forged["sub"] = "admin"
		forgedRaw := sign(forged)
		parts[1] = strings.Split(forgedRaw, ".")[1]
		_, err := v.Validate(context.Background(), strings.Join(parts, "."), testIssuerURL)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Validate() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("signed by another key under the same kid", func(t *testing.T) {
		otherKey, _ := newSigningKey(t, "k1")
		_, err := v.Validate(context.Background(), signES256(t, otherKey, "k1", validClaims(clock.Now())), testIssuerURL)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Validate() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("algorithm confusion", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(clock.Now()))
		token.Header["kid"] = "k1"
		hmacRaw, err := token.SignedString([]byte("public-key-bytes-as-secret"))
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		_, err = v.Validate(context.Background(), hmacRaw, testIssuerURL)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("Validate() error = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(clock.Now()))
		token.Header["kid"] = "k1"
		noneRaw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		_, err = v.Validate(context.Background(), noneRaw, testIssuerURL)
		if !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("Validate() error = %v, want an unauthenticated error", err)
		}
	})
}

func TestValidator_KnownAgents(t *testing.T) {
	clock := newFakeClock()
	v, sign := newTestValidator(t, clock, "customer-agent", "billing-agent")

	if _, err := v.Validate(context.Background(), sign(validClaims(clock.Now())), testIssuerURL); err != nil {
		t.Fatalf("Validate() registered agent error = %v", err)
	}

	claims := validClaims(clock.Now())
	claims["act"] = map[string]any{"sub": "rogue-agent"}
	_, err := v.Validate(context.Background(), sign(claims), testIssuerURL)
	if !errors.Is(err, ErrUnknownActor) {
		t.Fatalf("Validate() error = %v, want ErrUnknownActor", err)
	}
}

func TestValidator_KeyRingUnavailable(t *testing.T) {
	clock := newFakeClock()
	priv, _ := newSigningKey(t, "k1")
	outage := resolverFunc(func(context.Context, string) (SigningKey, error) {
		return SigningKey{}, fmt.Errorf("%w: %w", ErrKeyRingUnavailable, errors.New("connection refused"))
	})
	v := NewValidator(outage, ValidatorConfig{Now: clock.Now})

	_, err := v.Validate(context.Background(), signES256(t, priv, "k1", validClaims(clock.Now())), testIssuerURL)
	if !errors.Is(err, ErrKeyRingUnavailable) {
		t.Fatalf("Validate() error = %v, want ErrKeyRingUnavailable", err)
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		t.Error("key ring outage must not be reported as a token validation failure")
	}
	if StatusCode(err) != http.StatusServiceUnavailable || !Retryable(err) {
		t.Errorf("StatusCode() = %d, Retryable() = %v; want 503, true", StatusCode(err), Retryable(err))
	}
}

func TestValidator_WithKeyRing(t *testing.T) {
	iss := newTestIssuer(t, "k1")
	clock := newFakeClock()
	ring := newTestKeyRing(t, iss, clock, nil)
	v := NewValidator(ring, ValidatorConfig{Now: clock.Now})

	raw := iss.sign("k1", validClaims(clock.Now()))
	token, err := v.Validate(context.Background(), raw, testIssuerURL)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := Decide(token, "read:customers"); !got.Granted {
		t.Errorf("Decide() = %+v, want granted", got)
	}

	// A key published after the ring was populated is picked up on demand.
	iss.addKey("k2")
	if _, err := v.Validate(context.Background(), iss.sign("k2", validClaims(clock.Now())), testIssuerURL); err != nil {
		t.Fatalf("Validate() with new key error = %v", err)
	}
}

func TestValidator_ConcurrentUse(t *testing.T) {
	clock := newFakeClock()
	v, sign := newTestValidator(t, clock)
	raw := sign(validClaims(clock.Now()))

	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			_, err := v.Validate(context.Background(), raw, testIssuerURL)
			errs <- err
		}()
	}
	for i := 0; i < 50; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{newValidationError(ErrExpired, nil), "expired"},
		{newValidationError(ErrUnknownActor, nil), "unknown_actor"},
		{fmt.Errorf("%w: down", ErrKeyRingUnavailable), "key_ring_unavailable"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
