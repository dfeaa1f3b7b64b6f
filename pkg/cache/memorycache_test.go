package cache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(t *testing.T, maxSize int, policy string) (*MemoryCache, *clock.Mock) {

	mock := clock.NewMock()
	memoryCache, err := NewMemoryCache(maxSize, policy, mock)
	require.NoError(t, err)

	return memoryCache, mock
}

func TestNewMemoryCacheUnknownPolicy(t *testing.T) {

	_, err := NewMemoryCache(10, "random", nil)
	assert.True(t, errors.Is(err, ErrUnknownEvictionPolicy))
}

func TestMemoryCacheLRU(t *testing.T) {

	memoryCache, mock := newTestMemoryCache(t, 3, LRUPolicy)

	memoryCache.Set("a", 1, 0)
	mock.Add(time.Second)
	memoryCache.Set("b", 2, 0)
	mock.Add(time.Second)
	memoryCache.Set("c", 3, 0)
	mock.Add(time.Second)

	_, ok := memoryCache.Get("a")
	require.True(t, ok)

	memoryCache.Set("d", 4, 0)

	_, ok = memoryCache.Get("b")
	assert.False(t, ok, "least recently used key is evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, ok := memoryCache.Get(key)
		assert.True(t, ok, key)
	}

	assert.Equal(t, 3, memoryCache.Len())
	assert.Equal(t, uint64(1), memoryCache.Stats().Evictions)
}

func TestMemoryCacheLFU(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 3, LFUPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("b", 2, 0)
	memoryCache.Set("c", 3, 0)

	for i := 0; i < 3; i++ {
		memoryCache.Get("a")
	}
	memoryCache.Get("c")

	memoryCache.Set("d", 4, 0)

	_, ok := memoryCache.Get("b")
	assert.False(t, ok, "least frequently used key is evicted")

	_, ok = memoryCache.Get("a")
	assert.True(t, ok)
}

func TestMemoryCacheLFUTiesGoToOldest(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 2, LFUPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("b", 2, 0)
	memoryCache.Set("c", 3, 0)

	_, ok := memoryCache.Get("a")
	assert.False(t, ok)

	_, ok = memoryCache.Get("b")
	assert.True(t, ok)
}

func TestMemoryCacheFIFOIgnoresAccess(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 2, FIFOPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("b", 2, 0)
	memoryCache.Get("a")
	memoryCache.Set("c", 3, 0)

	_, ok := memoryCache.Get("a")
	assert.False(t, ok, "first inserted key is evicted even after being read")
}

func TestMemoryCacheTTLExpiry(t *testing.T) {

	memoryCache, mock := newTestMemoryCache(t, 10, TTLPolicy)

	memoryCache.Set("short", "value", time.Second)
	memoryCache.Set("forever", "value", 0)

	value, ok := memoryCache.Get("short")
	assert.True(t, ok)
	assert.Equal(t, "value", value)

	mock.Add(2 * time.Second)

	_, ok = memoryCache.Get("short")
	assert.False(t, ok)
	assert.Equal(t, 1, memoryCache.Len(), "expired entry is physically removed")

	_, ok = memoryCache.Get("forever")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), memoryCache.Stats().Expirations)
}

func TestMemoryCacheSetPurgesExpiredBeforeEvicting(t *testing.T) {

	memoryCache, mock := newTestMemoryCache(t, 2, LRUPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("b", 2, time.Second)
	mock.Add(time.Second)

	memoryCache.Set("c", 3, 0)

	_, ok := memoryCache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(0), memoryCache.Stats().Evictions)
	assert.Equal(t, uint64(1), memoryCache.Stats().Expirations)
}

func TestMemoryCacheOverwriteNeverEvicts(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 2, LRUPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("b", 2, 0)
	memoryCache.Set("a", 10, 0)

	assert.Equal(t, 2, memoryCache.Len())
	assert.Equal(t, uint64(0), memoryCache.Stats().Evictions)

	value, ok := memoryCache.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, value)
}

func TestMemoryCacheDeletePrefixAndClear(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 100, LRUPolicy)

	for i := 0; i < 5; i++ {
		memoryCache.Set(fmt.Sprintf("user:%d", i), i, 0)
		memoryCache.Set(fmt.Sprintf("order:%d", i), i, 0)
	}

	assert.Equal(t, 5, memoryCache.DeletePrefix("user:"))
	assert.Equal(t, 5, memoryCache.Len())

	assert.True(t, memoryCache.Delete("order:1"))
	assert.False(t, memoryCache.Delete("order:1"))

	memoryCache.Clear()
	assert.Equal(t, 0, memoryCache.Len())

	memoryCache.Set("x", 1, 0)
	assert.Equal(t, 1, memoryCache.Len())
}

func TestMemoryCacheNeverExceedsMaxSize(t *testing.T) {

	for _, policy := range []string{LRUPolicy, LFUPolicy, FIFOPolicy, TTLPolicy} {
		memoryCache, _ := newTestMemoryCache(t, 10, policy)

		for i := 0; i < 100; i++ {
			memoryCache.Set(fmt.Sprintf("key:%d", i), i, 0)
			assert.LessOrEqual(t, memoryCache.Len(), 10, policy)
		}

		assert.Equal(t, uint64(90), memoryCache.Stats().Evictions, policy)
	}
}

func TestMemoryCachePeekRemainingTTL(t *testing.T) {

	memoryCache, mock := newTestMemoryCache(t, 3, LRUPolicy)

	memoryCache.Set("a", 1, time.Minute)
	memoryCache.Set("b", 2, 0)
	mock.Add(20 * time.Second)

	value, ttl, ok := memoryCache.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 1, value)
	assert.Equal(t, 40*time.Second, ttl)

	_, ttl, ok = memoryCache.Peek("b")
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), ttl)

	mock.Add(time.Minute)
	_, _, ok = memoryCache.Peek("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), memoryCache.Stats().Expirations)
}

func TestMemoryCacheNegativeTTLRemoves(t *testing.T) {

	memoryCache, _ := newTestMemoryCache(t, 3, LRUPolicy)

	memoryCache.Set("a", 1, 0)
	memoryCache.Set("a", 2, -time.Second)
	memoryCache.Set("b", 3, -time.Second)

	_, ok := memoryCache.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, memoryCache.Len())

	entry := &CacheEntry{TTL: -time.Second}
	assert.True(t, entry.IsExpired(time.Time{}))
}
