package cache

import "time"

// Policy bounds entry lifetimes.
type Policy struct {
	// DefaultTTL applies when Set is given a zero TTL. Zero means such
	// entries are not stored.
	DefaultTTL time.Duration

	// MaxTTL caps every lifetime. Zero means no cap.
	MaxTTL time.Duration
}

// DefaultPolicy returns a 5 minute default and a 1 hour cap.
func DefaultPolicy() Policy {
	return Policy{DefaultTTL: 5 * time.Minute, MaxTTL: time.Hour}
}

// Expiry returns when an entry stored at now with ttl expires, and false
// when it should not be stored at all. A negative ttl describes a value
// that has already expired, so it is never replaced by DefaultTTL.
func (p Policy) Expiry(now time.Time, ttl time.Duration) (time.Time, bool) {
	switch {
	case ttl < 0:
		return time.Time{}, false
	case ttl == 0:
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 {
		ttl = min(ttl, p.MaxTTL)
	}
	if ttl <= 0 {
		return time.Time{}, false
	}
	return now.Add(ttl), true
}
