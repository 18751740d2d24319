package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"

	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/auth"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/delegation"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/observe"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/resilience"
	"github.com/nicholasjackson/demo-zero-trust-agentic-ai/secret"
)

// Config is the complete delegauth configuration.
type Config struct {
	Issuer     IssuerConfig     `mapstructure:"issuer"`
	Validation ValidationConfig `mapstructure:"validation"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Server     ServerConfig     `mapstructure:"server"`
	Observe    observe.Config   `mapstructure:"observe"`

	// Secrets holds provider settings keyed by provider name.
	Secrets map[string]map[string]any `mapstructure:"secrets"`
}

// IssuerConfig describes the trusted token issuer and its key set.
type IssuerConfig struct {
	// Name is the required iss claim value.
	Name    string `mapstructure:"name"`
	JWKSURL string `mapstructure:"jwks_url"`

	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	// MaxStaleness counts from the end of RefreshInterval. A set whose
	// refresh keeps failing is served until it is RefreshInterval plus
	// MaxStaleness old.
	MaxStaleness       time.Duration `mapstructure:"max_staleness"`
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
}

// ValidationConfig tunes token validation.
type ValidationConfig struct {
	ClockSkew   time.Duration `mapstructure:"clock_skew"`
	KnownAgents []string      `mapstructure:"known_agents"`
}

// DelegationConfig configures the token exchange client.
type DelegationConfig struct {
	Address                string                `mapstructure:"address"`
	ExchangePath           string                `mapstructure:"exchange_path"`
	CredentialHeader       string                `mapstructure:"credential_header"`
	RenewalMargin          time.Duration         `mapstructure:"renewal_margin"`
	DefaultTokenTTL        time.Duration         `mapstructure:"default_token_ttl"`
	MaxCacheEntries        int                   `mapstructure:"max_cache_entries"`
	RequestTimeout         time.Duration         `mapstructure:"request_timeout"`
	MaxConcurrentExchanges int                   `mapstructure:"max_concurrent_exchanges"`
	ReauthInterval         time.Duration         `mapstructure:"reauth_interval"`
	CircuitBreaker         *CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	ExchangeRateLimit      *RateLimitConfig      `mapstructure:"exchange_rate_limit"`
	AgentAuth              AgentAuthConfig       `mapstructure:"agent_auth"`
}

// CircuitBreakerConfig enables the exchange circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// RateLimitConfig caps exchanges per second across all users.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig is shared by key fetches, agent login and exchanges.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       bool          `mapstructure:"jitter"`
}

// ServerConfig configures the tool host listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`

	// IntrospectionPermission guards the whoami operation. Empty disables it.
	IntrospectionPermission string `mapstructure:"introspection_permission"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		Issuer: IssuerConfig{
			RefreshInterval:    time.Hour,
			MaxStaleness:       5 * time.Minute,
			MinRefreshInterval: 5 * time.Second,
			FetchTimeout:       10 * time.Second,
		},
		Validation: ValidationConfig{
			ClockSkew: 30 * time.Second,
		},
		Delegation: DelegationConfig{
			ExchangePath:           delegation.DefaultExchangePath,
			CredentialHeader:       "X-Vault-Token",
			RenewalMargin:          2 * time.Minute,
			DefaultTokenTTL:        5 * time.Minute,
			MaxCacheEntries:        1000,
			RequestTimeout:         10 * time.Second,
			MaxConcurrentExchanges: 32,
			ReauthInterval:         5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			RetryAfter:      5 * time.Second,

			IntrospectionPermission: "read:profile",
		},
		Observe: observe.Config{
			ServiceName: "delegauth",
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info", Format: "json"},
		},
	}
}

// Load reads, resolves, decodes and validates the file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for an in-memory document.
func Parse(ctx context.Context, data []byte) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	// Provider settings can reference the environment but not other secrets.
	var noSecrets *secret.Resolver
	secrets, err := noSecrets.ResolveTree(ctx, doc["secrets"])
	if err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}
	var providerConfigs map[string]map[string]any
	if err := decode(secrets, &providerConfigs); err != nil {
		return nil, fmt.Errorf("decoding secrets: %w", err)
	}

	resolver, err := secret.DefaultRegistry.NewResolver(true, providerConfigs)
	if err != nil {
		return nil, err
	}
	defer resolver.Close()

	rest := make(map[string]any, len(doc))
	for k, v := range doc {
		if k != "secrets" {
			rest[k] = v
		}
	}
	resolved, err := resolver.ResolveTree(ctx, rest)
	if err != nil {
		return nil, fmt.Errorf("resolving values: %w", err)
	}

	cfg := Default()
	if err := decode(resolved, &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Secrets = providerConfigs

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func decode(input, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Issuer.Name == "" {
		errs = append(errs, errors.New("issuer.name is required"))
	}
	if err := validateURL("issuer.jwks_url", c.Issuer.JWKSURL); err != nil {
		errs = append(errs, err)
	}
	if c.Issuer.MaxStaleness <= 0 {
		errs = append(errs, errors.New("issuer.max_staleness must be positive"))
	}
	if c.Issuer.RefreshInterval <= 0 {
		errs = append(errs, errors.New("issuer.refresh_interval must be positive"))
	}
	if c.Validation.ClockSkew < 0 {
		errs = append(errs, errors.New("validation.clock_skew must not be negative"))
	}
	if c.Delegation.Address != "" {
		if err := validateURL("delegation.address", c.Delegation.Address); err != nil {
			errs = append(errs, err)
		}
		if c.Delegation.RenewalMargin <= 0 {
			errs = append(errs, errors.New("delegation.renewal_margin must be positive"))
		}
		if rl := c.Delegation.ExchangeRateLimit; rl != nil && (rl.Rate <= 0 || rl.Burst < 1) {
			errs = append(errs, errors.New("delegation.exchange_rate_limit needs a positive rate and burst"))
		}
		if _, err := c.Delegation.AgentAuth.LoginMethod(); err != nil {
			errs = append(errs, fmt.Errorf("delegation.agent_auth: %w", err))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.initial_delay"))
	}
	if err := c.Observe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observe: %w", err))
	}
	return errors.Join(errs...)
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL", key)
	}
	return nil
}

// DelegationEnabled reports whether the exchange client is configured.
func (c *Config) DelegationEnabled() bool {
	return c.Delegation.Address != ""
}

// RetryConfig converts the shared retry settings.
func (c *Config) RetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       c.Retry.Jitter,
	}
}

// KeyRingConfig builds the issuer key ring settings.
func (c *Config) KeyRingConfig(t observe.Telemetry) auth.KeyRingConfig {
	return auth.KeyRingConfig{
		URL:                c.Issuer.JWKSURL,
		RefreshInterval:    c.Issuer.RefreshInterval,
		MaxStaleness:       c.Issuer.MaxStaleness,
		MinRefreshInterval: c.Issuer.MinRefreshInterval,
		FetchTimeout:       c.Issuer.FetchTimeout,
		Retry:              c.RetryConfig(),
		Telemetry:          t,
	}
}

// ValidatorConfig builds the token validator settings.
func (c *Config) ValidatorConfig(t observe.Telemetry) auth.ValidatorConfig {
	return auth.ValidatorConfig{
		ClockSkew:   c.Validation.ClockSkew,
		KnownAgents: c.Validation.KnownAgents,
		Telemetry:   t,
	}
}

// GuardConfig builds the tool endpoint guard settings.
func (c *Config) GuardConfig(t observe.Telemetry) auth.GuardConfig {
	return auth.GuardConfig{
		Issuer:     c.Issuer.Name,
		RetryAfter: c.Server.RetryAfter,
		Telemetry:  t,
	}
}

// DelegationConfig builds the exchange client settings.
func (c *Config) DelegationConfig(t observe.Telemetry) (delegation.Config, error) {
	login, err := c.Delegation.AgentAuth.LoginMethod()
	if err != nil {
		return delegation.Config{}, err
	}
	d := c.Delegation
	out := delegation.Config{
		Address:                d.Address,
		ExchangePath:           d.ExchangePath,
		Login:                  login,
		CredentialHeader:       d.CredentialHeader,
		RenewalMargin:          d.RenewalMargin,
		DefaultTokenTTL:        d.DefaultTokenTTL,
		MaxCacheEntries:        d.MaxCacheEntries,
		RequestTimeout:         d.RequestTimeout,
		Retry:                  c.RetryConfig(),
		MaxConcurrentExchanges: d.MaxConcurrentExchanges,
		ReauthInterval:         d.ReauthInterval,
		Telemetry:              t,
	}
	if d.CircuitBreaker != nil {
		out.CircuitBreaker = &resilience.CircuitBreakerConfig{
			MaxFailures:  d.CircuitBreaker.MaxFailures,
			ResetTimeout: d.CircuitBreaker.ResetTimeout,
		}
	}
	if d.ExchangeRateLimit != nil {
		out.ExchangeRateLimit = &resilience.RateLimiterConfig{
			Rate:  d.ExchangeRateLimit.Rate,
			Burst: d.ExchangeRateLimit.Burst,
		}
	}
	return out, nil
}
