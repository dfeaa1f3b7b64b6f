package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// MemoryCache is the bounded in-process store. One lock guards the entries and the policy order.
// Expired entries are never returned: Get drops them lazily and Set purges them all first.
type MemoryCache struct {
	maxSize     int
	policy      *EvictionPolicy
	clock       clock.Clock
	lock        *sync.Mutex
	entries     map[string]*CacheEntry
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// MemoryStats is a point in time view of a MemoryCache.
type MemoryStats struct {
	Size        int    `json:"size"`
	MaxSize     int    `json:"max_size"`
	Policy      string `json:"policy"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// NewMemoryCache creates an in-process cache holding up to maxSize entries.
func NewMemoryCache(maxSize int, policyName string, clk clock.Clock) (*MemoryCache, error) {

	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	if clk == nil {
		clk = clock.New()
	}

	policy, err := NewEvictionPolicy(policyName, maxSize)
	if err != nil {
		return nil, err
	}

	return &MemoryCache{
		maxSize: maxSize,
		policy:  policy,
		clock:   clk,
		lock:    &sync.Mutex{},
		entries: make(map[string]*CacheEntry, maxSize),
	}, nil
}

// Get returns the value stored under key.
func (mc *MemoryCache) Get(key string) (interface{}, bool) {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	entry, ok := mc.entries[key]
	if !ok {
		return nil, false
	}

	now := mc.clock.Now()
	if entry.IsExpired(now) {
		mc.remove(key)
		mc.expirations.Inc()
		return nil, false
	}

	entry.touch(now)
	mc.policy.Accessed(key)

	return entry.Value, true
}

// Peek returns the value stored under key and its remaining ttl without counting an access.
func (mc *MemoryCache) Peek(key string) (interface{}, time.Duration, bool) {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	entry, ok := mc.entries[key]
	if !ok {
		return nil, 0, false
	}

	now := mc.clock.Now()
	if entry.IsExpired(now) {
		mc.remove(key)
		mc.expirations.Inc()
		return nil, 0, false
	}

	return entry.Value, entry.remaining(now), true
}

// Set stores value under key; a ttl of 0 never expires and a negative ttl removes the key.
// At capacity, a new key evicts exactly one entry. Overwriting a key never evicts.
func (mc *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	if ttl < 0 {
		if _, ok := mc.entries[key]; ok {
			mc.remove(key)
		}
		return
	}

	now := mc.clock.Now()
	mc.purgeExpired(now)

	if _, exists := mc.entries[key]; !exists && len(mc.entries) >= mc.maxSize {
		if victim, ok := mc.policy.Victim(mc.entries); ok {
			mc.remove(victim)
			mc.evictions.Inc()
		}
	}

	mc.entries[key] = &CacheEntry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		LastAccessed: now,
		TTL:          ttl,
	}
	mc.policy.Inserted(key)
}

// Delete removes key; reports whether it was present.
func (mc *MemoryCache) Delete(key string) bool {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	if _, ok := mc.entries[key]; !ok {
		return false
	}

	mc.remove(key)
	return true
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (mc *MemoryCache) DeletePrefix(prefix string) int {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	removed := 0
	for key := range mc.entries {
		if strings.HasPrefix(key, prefix) {
			mc.remove(key)
			removed++
		}
	}

	return removed
}

// Clear removes every entry.
func (mc *MemoryCache) Clear() {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.entries = make(map[string]*CacheEntry, mc.maxSize)
	mc.policy.Clear()
}

// Len returns the number of stored entries, expired ones not yet purged included.
func (mc *MemoryCache) Len() int {

	mc.lock.Lock()
	defer mc.lock.Unlock()

	return len(mc.entries)
}

// Stats returns a snapshot of the cache counters.
func (mc *MemoryCache) Stats() MemoryStats {

	return MemoryStats{
		Size:        mc.Len(),
		MaxSize:     mc.maxSize,
		Policy:      mc.policy.Name(),
		Evictions:   mc.evictions.Load(),
		Expirations: mc.expirations.Load(),
	}
}

func (mc *MemoryCache) purgeExpired(now time.Time) {

	for key, entry := range mc.entries {
		if entry.IsExpired(now) {
			mc.remove(key)
			mc.expirations.Inc()
		}
	}
}

func (mc *MemoryCache) remove(key string) {
	delete(mc.entries, key)
	mc.policy.Removed(key)
}
