package cache

import "time"

// CacheEntry is one in-process value with its bookkeeping.
type CacheEntry struct {
	Key          string
	Value        interface{}
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  uint64
	TTL          time.Duration // 0 never expires, negative is already expired
}

// IsExpired reports whether the entry's TTL has elapsed at now.
func (ce *CacheEntry) IsExpired(now time.Time) bool {

	if ce.TTL < 0 {
		return true
	}

	return ce.TTL > 0 && !now.Before(ce.CreatedAt.Add(ce.TTL))
}

// remaining returns the TTL left at now; 0 never expires.
func (ce *CacheEntry) remaining(now time.Time) time.Duration {

	if ce.TTL <= 0 {
		return ce.TTL
	}

	return ce.CreatedAt.Add(ce.TTL).Sub(now)
}

func (ce *CacheEntry) touch(now time.Time) {
	ce.LastAccessed = now
	ce.AccessCount++
}
