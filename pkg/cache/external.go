package cache

import (
	"context"
	"time"
)

// ExternalCache is the contract of a shared key-value store (Redis or similar).
// Implementations wrap the actual client; a returned error means the store could not be reached.
type ExternalCache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ExternalCacheFactory connects to the external cache described by uri.
type ExternalCacheFactory func(ctx context.Context, uri string) (ExternalCache, error)
