package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/houseofcat/turbocookedpool/pkg/cache"
	"github.com/houseofcat/turbocookedpool/pkg/pool"
)

// ServiceOptions carries the optional collaborators of a ResourceService.
type ServiceOptions struct {
	Logger          *zap.Logger
	Clock           clock.Clock
	Registerer      prometheus.Registerer
	ExternalFactory cache.ExternalCacheFactory // dials CacheConfig.ExternalURI
	Passphrase      string                     // with Salt, derives the cache payload encryption key
	Salt            string
	ErrorHandler    func(error)
	StatsHandler    func(*pool.RouterStats)
}

// ResourceService owns the PoolRouter and the CacheRouter and their lifecycle.
type ResourceService struct {
	Pool  *pool.PoolRouter
	Cache *cache.CacheRouter

	config   *ResourceSeasoning
	logger   *zap.Logger
	shutdown atomic.Bool
}

// NewResourceService creates everything you need for pooled queries and caching.
// An unreachable external cache is logged and the cache serves from memory.
func NewResourceService(
	ctx context.Context,
	config *ResourceSeasoning,
	driver pool.Driver,
	options *ServiceOptions) (*ResourceService, error) {

	if config == nil || config.PoolConfig == nil {
		return nil, errors.New("resourceservice poolconfig can't be nil")
	}

	if options == nil {
		options = &ServiceOptions{}
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheConfig := config.CacheConfig
	if cacheConfig == nil {
		cacheConfig = &cache.CacheConfig{}
	}

	poolRouter, err := pool.NewPoolRouterWithOptions(config.PoolConfig, driver, &pool.RouterOptions{
		Logger:       logger,
		Clock:        options.Clock,
		Registerer:   options.Registerer,
		ErrorHandler: options.ErrorHandler,
		StatsHandler: options.StatsHandler,
	})
	if err != nil {
		return nil, fmt.Errorf("pool router: %w", err)
	}

	var external cache.ExternalCache
	if cacheConfig.ExternalURI != "" && options.ExternalFactory != nil {
		external, err = options.ExternalFactory(ctx, cacheConfig.ExternalURI)
		if err != nil {
			logger.Warn("external cache unreachable, caching in memory only", zap.Error(err))
			external = nil
		}
	}

	cacheRouter, err := cache.NewCacheRouterWithOptions(cacheConfig, external, &cache.RouterOptions{
		Logger:     logger,
		Clock:      options.Clock,
		Registerer: options.Registerer,
		Passphrase: options.Passphrase,
		Salt:       options.Salt,
	})
	if err != nil {
		err = multierr.Append(fmt.Errorf("cache router: %w", err), poolRouter.Shutdown())
		if external != nil {
			err = multierr.Append(err, external.Close())
		}

		return nil, err
	}

	return &ResourceService{
		Pool:   poolRouter,
		Cache:  cacheRouter,
		config: config,
		logger: logger,
	}, nil
}

// CachedQuery serves the rows cached under pattern and key, or executes the query with retries and caches its rows.
func (rs *ResourceService) CachedQuery(
	ctx context.Context,
	pattern, key string,
	query string,
	params ...interface{}) (pool.Rows, error) {

	if rs.shutdown.Load() {
		return nil, ErrServiceShutdown
	}

	rows := pool.Rows{}
	found, err := rs.Cache.GetInto(ctx, pattern, key, &rows)
	if err == nil && found {
		return rows, nil
	}

	if err != nil {
		rs.logger.Debug("cached rows unreadable, querying", zap.String("key", key), zap.Error(err))
	}

	rows, err = rs.Pool.ExecuteWithRetry(ctx, query, params...)
	if err != nil {
		return nil, err
	}

	if err := rs.Cache.Set(ctx, pattern, key, rows); err != nil {
		rs.logger.Debug("rows not cached", zap.String("key", key), zap.Error(err))
	}

	return rows, nil
}

// Stats returns the pool and cache stats together.
func (rs *ResourceService) Stats() (*pool.RouterStats, *cache.CacheStats) {
	return rs.Pool.GetStats(), rs.Cache.Stats()
}

// Shutdown stops the pool router and the cache router.
func (rs *ResourceService) Shutdown() error {

	if !rs.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	return multierr.Combine(rs.Pool.Shutdown(), rs.Cache.Shutdown())
}

// Config returns the seasoning the service was created from.
func (rs *ResourceService) Config() *ResourceSeasoning {
	return rs.config
}
