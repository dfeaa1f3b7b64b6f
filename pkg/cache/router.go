package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RouterOptions carries the optional collaborators of a CacheRouter.
type RouterOptions struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Passphrase string // with Salt, derives the payload encryption key
	Salt       string
}

// CacheRouter fronts an optional ExternalCache with a MemoryCache fallback.
// An external failure marks the backend unavailable and reads then go to memory.
// Keys written or deleted while unavailable are replayed to the external cache before reads return to it.
type CacheRouter struct {
	Config CacheConfig

	memory    *MemoryCache
	external  ExternalCache
	codec     *payloadCodec
	available atomic.Bool
	closed    atomic.Bool
	coalesce  *singleflight.Group

	// held shared by writers, exclusively by restore
	outageLock      *sync.RWMutex
	pendingKeys     cmap.ConcurrentMap
	pendingPrefixes cmap.ConcurrentMap

	logger           *zap.Logger
	registerer       prometheus.Registerer
	collector        *Collector
	operationTimeout time.Duration

	hits         atomic.Uint64
	misses       atomic.Uint64
	sets         atomic.Uint64
	deletes      atomic.Uint64
	patternStats cmap.ConcurrentMap
}

// CacheStats is the aggregate view returned by CacheRouter.Stats.
type CacheStats struct {
	Hits               uint64                  `json:"hits"`
	Misses             uint64                  `json:"misses"`
	Sets               uint64                  `json:"sets"`
	Deletes            uint64                  `json:"deletes"`
	HitRate            float64                 `json:"hit_rate"`
	ExternalConfigured bool                    `json:"external_configured"`
	ExternalAvailable  bool                    `json:"external_available"`
	Memory             MemoryStats             `json:"memory"`
	Patterns           map[string]PatternStats `json:"patterns"`
}

// PatternStats counts lookups of a single pattern.
type PatternStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

type patternCounters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCacheRouter creates a router over external; a nil external serves everything from memory.
func NewCacheRouter(config *CacheConfig, external ExternalCache) (*CacheRouter, error) {
	return NewCacheRouterWithOptions(config, external, nil)
}

// NewCacheRouterWithOptions creates a router over external with optional collaborators.
func NewCacheRouterWithOptions(config *CacheConfig, external ExternalCache, options *RouterOptions) (*CacheRouter, error) {

	if config == nil {
		return nil, fmt.Errorf("%w: config can't be nil", ErrInvalidCacheConfig)
	}

	if options == nil {
		options = &RouterOptions{}
	}

	cfg := copyCacheConfig(config)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	memory, err := NewMemoryCache(cfg.MaxSize, cfg.EvictionPolicy, options.Clock)
	if err != nil {
		return nil, err
	}

	codec, err := newPayloadCodec(cfg.CompressionConfig, cfg.EncryptionConfig, options.Passphrase, options.Salt)
	if err != nil {
		return nil, err
	}

	cr := &CacheRouter{
		Config:           *cfg,
		memory:           memory,
		external:         external,
		codec:            codec,
		logger:           logger.Named("cache"),
		registerer:       options.Registerer,
		operationTimeout: millis(cfg.OperationTimeout),
		patternStats:     cmap.New(),
		outageLock:       &sync.RWMutex{},
		pendingKeys:      cmap.New(),
		pendingPrefixes:  cmap.New(),
	}
	cr.available.Store(external != nil)

	if cfg.CoalesceMisses {
		cr.coalesce = &singleflight.Group{}
	}

	cr.collector = NewCollector(cr)
	if cr.registerer != nil {
		if err := cr.registerer.Register(cr.collector); err != nil {
			codec.Close()
			return nil, err
		}
	}

	return cr, nil
}

// Memory returns the in-process fallback store.
func (cr *CacheRouter) Memory() *MemoryCache {
	return cr.memory
}

// ExternalAvailable reports whether reads currently go to the external cache.
func (cr *CacheRouter) ExternalAvailable() bool {
	return cr.available.Load()
}

// resolve maps a pattern and key onto the physical key and the pattern TTL.
// An unknown pattern uses the raw key and no TTL.
func (cr *CacheRouter) resolve(pattern, key string) (string, time.Duration) {

	cachePattern, ok := cr.Config.Patterns[pattern]
	if !ok {
		return key, 0
	}

	return cachePattern.KeyPrefix + key, cachePattern.TTLDuration()
}

func (cr *CacheRouter) markUnavailable(operation string, err error) {

	if cr.available.CompareAndSwap(true, false) {
		cr.logger.Warn("external cache unavailable, falling back to memory",
			zap.String("operation", operation),
			zap.Error(fmt.Errorf("%w: %v", ErrCacheBackendUnavailable, err)))
	}
}

func (cr *CacheRouter) markAvailable() {

	if cr.available.CompareAndSwap(false, true) {
		cr.logger.Info("external cache available")
	}
}

// markPending records a key whose memory state is newer than the external cache. Callers hold outageLock shared.
func (cr *CacheRouter) markPending(operation, physicalKey string, err error) {

	cr.markUnavailable(operation, err)
	cr.pendingKeys.Set(physicalKey, true)
}

func (cr *CacheRouter) hasPending() bool {
	return cr.pendingKeys.Count() > 0 || cr.pendingPrefixes.Count() > 0
}

// restore replays the outage writes to the external cache and then routes reads back to it.
// Invalidated prefixes go first so keys rewritten after an invalidation survive.
// Returns false, leaving the rest pending, on the first external failure.
func (cr *CacheRouter) restore(ctx context.Context) bool {

	cr.outageLock.Lock()
	defer cr.outageLock.Unlock()

	if cr.available.Load() {
		return true
	}

	for _, prefix := range cr.pendingPrefixes.Keys() {
		if err := cr.invalidateExternal(ctx, prefix); err != nil {
			cr.logger.Debug("external cache restore interrupted", zap.String("prefix", prefix), zap.Error(err))
			return false
		}
		cr.pendingPrefixes.Remove(prefix)
	}

	for _, physicalKey := range cr.pendingKeys.Keys() {
		if err := cr.replay(ctx, physicalKey); err != nil {
			cr.logger.Debug("external cache restore interrupted", zap.String("key", physicalKey), zap.Error(err))
			return false
		}
		cr.pendingKeys.Remove(physicalKey)
		cr.memory.Delete(physicalKey)
	}

	cr.markAvailable()
	return true
}

// replay copies the memory state of one key to the external cache. A key no longer in memory is deleted there.
func (cr *CacheRouter) replay(ctx context.Context, physicalKey string) error {

	opCtx, cancel := cr.operationContext(ctx)
	defer cancel()

	value, ttl, ok := cr.memory.Peek(physicalKey)
	if !ok {
		return cr.external.Delete(opCtx, physicalKey)
	}

	payload, err := cr.codec.Encode(value)
	if err != nil {
		cr.logger.Warn("unencodable cache value dropped", zap.String("key", physicalKey), zap.Error(err))
		return cr.external.Delete(opCtx, physicalKey)
	}

	return cr.external.Set(opCtx, physicalKey, payload, ttl)
}

func (cr *CacheRouter) invalidateExternal(ctx context.Context, prefix string) error {

	opCtx, cancel := cr.operationContext(ctx)
	defer cancel()

	keys, err := cr.external.Scan(opCtx, prefix)
	if err != nil || len(keys) == 0 {
		return err
	}

	return cr.external.Delete(opCtx, keys...)
}

func (cr *CacheRouter) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, cr.operationTimeout)
}

// lookup returns either the payload read from the external cache or the in-process value.
func (cr *CacheRouter) lookup(ctx context.Context, physicalKey string) (payload []byte, value interface{}, found bool) {

	if cr.external != nil && cr.available.Load() {
		opCtx, cancel := cr.operationContext(ctx)
		defer cancel()

		data, ok, err := cr.external.Get(opCtx, physicalKey)
		if err == nil {
			return data, nil, ok
		}

		cr.markUnavailable("get", err)
	}

	value, found = cr.memory.Get(physicalKey)
	return nil, value, found
}

func (cr *CacheRouter) record(pattern string, hit bool) {

	counters := cr.patternCounters(pattern)
	if hit {
		cr.hits.Inc()
		counters.hits.Inc()
		return
	}

	cr.misses.Inc()
	counters.misses.Inc()
}

func (cr *CacheRouter) patternCounters(pattern string) *patternCounters {

	value := cr.patternStats.Upsert(pattern, nil, func(exist bool, valueInMap interface{}, _ interface{}) interface{} {
		if exist {
			return valueInMap
		}

		return &patternCounters{}
	})

	return value.(*patternCounters)
}

// Get returns the value cached under pattern and key.
// Values read from the external cache come back in their generic JSON form; use GetInto for typed reads.
func (cr *CacheRouter) Get(ctx context.Context, pattern, key string) (interface{}, bool) {

	if cr.closed.Load() {
		return nil, false
	}

	physicalKey, _ := cr.resolve(pattern, key)
	payload, value, found := cr.lookup(ctx, physicalKey)
	if found && payload != nil {
		if err := cr.codec.Decode(payload, &value); err != nil {
			cr.logger.Warn("undecodable cache payload", zap.String("key", physicalKey), zap.Error(err))
			found = false
		}
	}

	cr.record(pattern, found)

	return value, found
}

// GetInto decodes the value cached under pattern and key into out, which must be a pointer.
// Returns false on a miss. An error means a value was found but could not be decoded into out.
func (cr *CacheRouter) GetInto(ctx context.Context, pattern, key string, out interface{}) (bool, error) {

	if cr.closed.Load() {
		return false, nil
	}

	physicalKey, _ := cr.resolve(pattern, key)
	payload, value, found := cr.lookup(ctx, physicalKey)
	cr.record(pattern, found)

	if !found {
		return false, nil
	}

	if payload != nil {
		return true, cr.codec.Decode(payload, out)
	}

	return true, convertInto(value, out)
}

// convertInto round trips an in-process value through JSON into out.
func convertInto(value, out interface{}) error {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(&value)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, out)
}

// Set caches value under pattern and key with the pattern TTL.
func (cr *CacheRouter) Set(ctx context.Context, pattern, key string, value interface{}) error {

	_, ttl := cr.resolve(pattern, key)
	return cr.SetWithTTL(ctx, pattern, key, value, ttl)
}

// SetWithTTL caches value under pattern and key with an explicit ttl; 0 never expires and a negative ttl deletes the key.
// The write always tries the external cache first and lands in memory when that fails.
// Only a value that can't be encoded returns an error.
func (cr *CacheRouter) SetWithTTL(ctx context.Context, pattern, key string, value interface{}, ttl time.Duration) error {

	if cr.closed.Load() {
		return ErrCacheRouterClosed
	}

	if ttl < 0 {
		cr.Delete(ctx, pattern, key)
		return nil
	}

	physicalKey, _ := cr.resolve(pattern, key)
	cr.sets.Inc()

	if cr.external == nil {
		cr.memory.Set(physicalKey, value, ttl)
		return nil
	}

	payload, err := cr.codec.Encode(value)
	if err != nil {
		return err
	}

	// Outage writes must reach the external cache before this one can.
	attempt := cr.available.Load() || !cr.hasPending() || cr.restore(ctx)

	cr.outageLock.RLock()
	if attempt {
		opCtx, cancel := cr.operationContext(ctx)
		err = cr.external.Set(opCtx, physicalKey, payload, ttl)
		cancel()
	} else {
		err = ErrCacheBackendUnavailable
	}

	if err != nil {
		cr.memory.Set(physicalKey, value, ttl)
		cr.markPending("set", physicalKey, err)
		cr.outageLock.RUnlock()
		return nil
	}

	cr.memory.Delete(physicalKey)
	cr.outageLock.RUnlock()

	if !cr.available.Load() {
		cr.restore(ctx)
	}

	return nil
}

// GetOrSet returns the cached value, or calls factory on a miss and caches its result.
// Concurrent misses each call factory unless CoalesceMisses is enabled.
// A factory error is returned and nothing is cached.
// Hits served by the external cache come back in their generic JSON form, as with Get; use GetOrSetInto for typed values.
func (cr *CacheRouter) GetOrSet(
	ctx context.Context,
	pattern, key string,
	factory func(context.Context) (interface{}, error)) (interface{}, error) {

	if value, ok := cr.Get(ctx, pattern, key); ok {
		return value, nil
	}

	return cr.load(ctx, pattern, key, factory)
}

// load calls factory and caches its result, once per key at a time when CoalesceMisses is enabled.
func (cr *CacheRouter) load(
	ctx context.Context,
	pattern, key string,
	factory func(context.Context) (interface{}, error)) (interface{}, error) {

	fetch := func() (interface{}, error) {
		value, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		if err := cr.Set(ctx, pattern, key, value); err != nil && !errors.Is(err, ErrCacheRouterClosed) {
			return nil, err
		}

		return value, nil
	}

	if cr.coalesce == nil {
		return fetch()
	}

	physicalKey, _ := cr.resolve(pattern, key)
	value, err, _ := cr.coalesce.Do(physicalKey, fetch)

	return value, err
}

// GetOrSetInto decodes the cached value into out, or calls factory on a miss, caches its result and converts it into out.
// out must be a pointer; the value lands in out the same way on a hit and on a miss.
func (cr *CacheRouter) GetOrSetInto(
	ctx context.Context,
	pattern, key string,
	out interface{},
	factory func(context.Context) (interface{}, error)) error {

	found, err := cr.GetInto(ctx, pattern, key, out)
	if found {
		return err
	}

	value, err := cr.load(ctx, pattern, key, factory)
	if err != nil {
		return err
	}

	return convertInto(value, out)
}

// Delete removes the key from both backends.
// While the external cache is unavailable the delete is held back and replayed on recovery.
func (cr *CacheRouter) Delete(ctx context.Context, pattern, key string) {

	if cr.closed.Load() {
		return
	}

	physicalKey, _ := cr.resolve(pattern, key)
	cr.deletes.Inc()

	cr.outageLock.RLock()
	defer cr.outageLock.RUnlock()

	if cr.external != nil {
		err := ErrCacheBackendUnavailable
		if cr.available.Load() {
			opCtx, cancel := cr.operationContext(ctx)
			err = cr.external.Delete(opCtx, physicalKey)
			cancel()
		}

		if err != nil {
			cr.markPending("delete", physicalKey, err)
		}
	}

	cr.memory.Delete(physicalKey)
}

// InvalidatePattern removes every key of pattern from both backends and returns how many were removed.
// Unknown patterns and patterns without a prefix remove nothing.
func (cr *CacheRouter) InvalidatePattern(ctx context.Context, pattern string) int {

	if cr.closed.Load() {
		return 0
	}

	cachePattern, ok := cr.Config.Patterns[pattern]
	if !ok || cachePattern.KeyPrefix == "" {
		return 0
	}

	cr.outageLock.RLock()
	defer cr.outageLock.RUnlock()

	removed := 0
	if cr.external != nil {
		var keys []string
		err := ErrCacheBackendUnavailable
		if cr.available.Load() {
			opCtx, cancel := cr.operationContext(ctx)
			keys, err = cr.external.Scan(opCtx, cachePattern.KeyPrefix)
			if err == nil && len(keys) > 0 {
				err = cr.external.Delete(opCtx, keys...)
			}
			cancel()
		}

		if err != nil {
			cr.markUnavailable("invalidate", err)
			cr.pendingPrefixes.Set(cachePattern.KeyPrefix, true)
		} else {
			removed += len(keys)
		}
	}

	removed += cr.memory.DeletePrefix(cachePattern.KeyPrefix)
	cr.deletes.Add(uint64(removed))

	cr.logger.Debug("pattern invalidated", zap.String("pattern", pattern), zap.Int("removed", removed))

	return removed
}

// CheckExternal pings the external cache and restores it as the read backend when it answers
// and every outage write has been replayed.
func (cr *CacheRouter) CheckExternal(ctx context.Context) bool {

	if cr.external == nil || cr.closed.Load() {
		return false
	}

	opCtx, cancel := cr.operationContext(ctx)
	defer cancel()

	if err := cr.external.Ping(opCtx); err != nil {
		cr.markUnavailable("ping", err)
		return false
	}

	return cr.restore(ctx)
}

// Stats returns the router counters.
func (cr *CacheRouter) Stats() *CacheStats {

	stats := &CacheStats{
		Hits:               cr.hits.Load(),
		Misses:             cr.misses.Load(),
		Sets:               cr.sets.Load(),
		Deletes:            cr.deletes.Load(),
		ExternalConfigured: cr.external != nil,
		ExternalAvailable:  cr.available.Load(),
		Memory:             cr.memory.Stats(),
		Patterns:           make(map[string]PatternStats),
	}

	if lookups := stats.Hits + stats.Misses; lookups > 0 {
		stats.HitRate = float64(stats.Hits) / float64(lookups)
	}

	for item := range cr.patternStats.IterBuffered() {
		counters := item.Val.(*patternCounters)
		stats.Patterns[item.Key] = PatternStats{
			Hits:   counters.hits.Load(),
			Misses: counters.misses.Load(),
		}
	}

	return stats
}

// Shutdown closes the external cache and releases the payload codec.
func (cr *CacheRouter) Shutdown() error {

	if !cr.closed.CompareAndSwap(false, true) {
		return nil
	}

	if cr.registerer != nil {
		cr.registerer.Unregister(cr.collector)
	}

	var err error
	if cr.external != nil {
		err = multierr.Append(err, cr.external.Close())
	}

	cr.codec.Close()
	cr.logger.Info("cache router shutdown", zap.Error(err))

	return err
}
