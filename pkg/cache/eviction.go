package cache

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Eviction policy names.
const (
	LRUPolicy  = "lru"
	LFUPolicy  = "lfu"
	FIFOPolicy = "fifo"
	TTLPolicy  = "ttl"
)

func isEvictionPolicy(name string) bool {

	switch name {
	case LRUPolicy, LFUPolicy, FIFOPolicy, TTLPolicy:
		return true
	default:
		return false
	}
}

// EvictionPolicy picks the entry to drop when the MemoryCache is at capacity.
// It keeps its own key order, oldest first: access order for lru, insertion order otherwise.
// Not safe for concurrent use, the MemoryCache lock guards it.
type EvictionPolicy struct {
	name  string
	order *simplelru.LRU[string, struct{}]
}

// NewEvictionPolicy creates the named policy for a cache holding up to capacity keys.
func NewEvictionPolicy(name string, capacity int) (*EvictionPolicy, error) {

	if !isEvictionPolicy(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvictionPolicy, name)
	}

	// One spare slot, the cache evicts before it inserts.
	order, err := simplelru.NewLRU[string, struct{}](capacity+1, nil)
	if err != nil {
		return nil, err
	}

	return &EvictionPolicy{
		name:  name,
		order: order,
	}, nil
}

// Name returns the policy name.
func (ep *EvictionPolicy) Name() string {
	return ep.name
}

// Inserted records a new or overwritten key as the newest one.
func (ep *EvictionPolicy) Inserted(key string) {
	ep.order.Remove(key)
	ep.order.Add(key, struct{}{})
}

// Accessed records a read of key.
func (ep *EvictionPolicy) Accessed(key string) {
	if ep.name == LRUPolicy {
		ep.order.Get(key)
	}
}

// Removed forgets key.
func (ep *EvictionPolicy) Removed(key string) {
	ep.order.Remove(key)
}

// Clear forgets every key.
func (ep *EvictionPolicy) Clear() {
	ep.order.Purge()
}

// Victim returns the key to evict among entries.
// lfu takes the lowest AccessCount, ties go to the oldest insertion.
func (ep *EvictionPolicy) Victim(entries map[string]*CacheEntry) (string, bool) {

	if ep.name != LFUPolicy {
		key, _, ok := ep.order.GetOldest()
		return key, ok
	}

	var victim string
	var fewest uint64
	found := false

	for _, key := range ep.order.Keys() {
		entry, ok := entries[key]
		if !ok {
			continue
		}

		if !found || entry.AccessCount < fewest {
			victim = key
			fewest = entry.AccessCount
			found = true
		}
	}

	return victim, found
}
