package secret

import (
	"context"
	"errors"
)

// Provider resolves secrets by reference string.
//
// Implementations must be safe for concurrent use and must not log secret values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
	Close() error
}

var (
	// ErrSecretNotFound is returned when a provider has no value for a ref.
	ErrSecretNotFound = errors.New("secret: not found")

	// ErrProviderNotRegistered is returned for references to unknown
	// providers.
	ErrProviderNotRegistered = errors.New("secret: provider not registered")
)
