package cache

import (
	"context"
	"time"
)

// Store is a TTL key-value store. Implementations are safe for concurrent
// use. Get never fails: a miss and an expired entry look the same.
type Store[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)

	// Set keeps value for ttl as bounded by the store's Policy. A zero ttl
	// takes the policy default; a negative ttl stores nothing.
	Set(ctx context.Context, key K, value V, ttl time.Duration) error

	// Delete is idempotent.
	Delete(ctx context.Context, key K) error
}
