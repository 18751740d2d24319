// Package cache provides a generic in-memory TTL store and the composite
// keys used to cache delegated tokens per agent role and user.
package cache
