package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig configures a Memory store.
type MemoryConfig struct {
	Policy Policy

	// MaxEntries bounds the store. When full, expired entries are purged
	// and then the entry closest to expiry is evicted. Zero is unbounded.
	MaxEntries int

	// Now overrides the clock.
	Now func() time.Time
}

// Memory is an in-memory Store.
type Memory[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	config  MemoryConfig
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewMemory creates an in-memory store.
func NewMemory[K comparable, V any](config MemoryConfig) *Memory[K, V] {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Memory[K, V]{
		entries: make(map[K]entry[V]),
		config:  config,
	}
}

// Get returns the value for key if it has not expired.
func (c *Memory[K, V]) Get(_ context.Context, key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !c.config.Now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for ttl as bounded by the Policy. Values the
// policy rejects, including any with a negative ttl, are dropped silently.
func (c *Memory[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) error {
	now := c.config.Now()
	expiresAt, ok := c.config.Policy.Expiry(now, ttl)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	return nil
}

// Delete removes key.
func (c *Memory[K, V]) Delete(_ context.Context, key K) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// purged.
func (c *Memory[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes expired entries and returns how many were removed.
func (c *Memory[K, V]) Purge() int {
	now := c.config.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(now)
}

// Clear removes every entry.
func (c *Memory[K, V]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func (c *Memory[K, V]) purgeLocked(now time.Time) int {
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Memory[K, V]) evictLocked(now time.Time) {
	if c.purgeLocked(now) > 0 {
		return
	}
	var (
		victim  K
		soonest time.Time
		found   bool
	)
	for k, e := range c.entries {
		if !found || e.expiresAt.Before(soonest) {
			victim, soonest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}

var _ Store[string, []byte] = (*Memory[string, []byte])(nil)
