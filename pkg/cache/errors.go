package cache

import "errors"

var (
	// ErrCacheBackendUnavailable wraps every external cache failure. It is logged and absorbed by the CacheRouter.
	ErrCacheBackendUnavailable = errors.New("cache backend unavailable")

	// ErrUnknownEvictionPolicy is returned when the configured eviction policy does not exist.
	ErrUnknownEvictionPolicy = errors.New("unknown eviction policy")

	// ErrInvalidCacheConfig is wrapped by every cache config validation failure.
	ErrInvalidCacheConfig = errors.New("invalid cache config")

	// ErrCacheRouterClosed is returned when the cache router has been shutdown.
	ErrCacheRouterClosed = errors.New("cache router closed")
)
