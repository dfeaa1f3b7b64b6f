package service

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/houseofcat/turbocookedpool/pkg/cache"
	"github.com/houseofcat/turbocookedpool/pkg/pool"
)

func TestReadJSONConfig(t *testing.T) {

	fileNamePath := "testdata/seasoning.json"
	assert.FileExists(t, fileNamePath)

	config, err := ConvertJSONFileToConfig(fileNamePath)
	require.NoError(t, err)

	require.Len(t, config.PoolConfig.Nodes, 2)
	assert.Equal(t, "db1.local", config.PoolConfig.Nodes[0].Host)
	assert.Equal(t, uint32(3), config.PoolConfig.Nodes[0].Weight)
	assert.Equal(t, pool.WeightedRoundRobinStrategy, config.PoolConfig.LoadBalancer)
	assert.True(t, config.PoolConfig.AutoScaleEnabled)

	assert.Equal(t, cache.LFUPolicy, config.CacheConfig.EvictionPolicy)
	assert.Equal(t, "user:", config.CacheConfig.Patterns["user"].KeyPrefix)
	assert.Equal(t, uint32(3600), config.CacheConfig.Patterns["report"].TTL)
	assert.Equal(t, cache.ZstdCompressionType, config.CacheConfig.CompressionConfig.Type)
}

func TestReadYAMLConfigMatchesJSON(t *testing.T) {

	jsonConfig, err := ConvertJSONFileToConfig("testdata/seasoning.json")
	require.NoError(t, err)

	yamlConfig, err := ConvertYAMLFileToConfig("testdata/seasoning.yaml")
	require.NoError(t, err)

	assert.Equal(t, jsonConfig, yamlConfig)
}

func TestReadConfigMissingFile(t *testing.T) {

	_, err := ConvertJSONFileToConfig("testdata/missing.json")
	assert.Error(t, err)

	_, err = ConvertYAMLFileToConfig("testdata/missing.yaml")
	assert.Error(t, err)
}

func newTestService(t *testing.T, driver *fakeDriver, external *fakeExternal) *ResourceService {

	config, err := ConvertJSONFileToConfig("testdata/seasoning.json")
	require.NoError(t, err)

	options := &ServiceOptions{
		Logger: zaptest.NewLogger(t),
		Clock:  clock.NewMock(),
	}

	if external != nil {
		options.ExternalFactory = func(ctx context.Context, uri string) (cache.ExternalCache, error) {
			assert.Equal(t, "redis://cache.local:6379/0", uri)
			return external, nil
		}
	}

	service, err := NewResourceService(context.Background(), config, driver, options)
	require.NoError(t, err)

	return service
}

func TestResourceServiceCachedQuery(t *testing.T) {
	defer leaktest.Check(t)()

	driver := &fakeDriver{}
	external := newFakeExternal()
	service := newTestService(t, driver, external)

	for i := 0; i < 3; i++ {
		rows, err := service.CachedQuery(context.Background(), "report", "daily", "SELECT SUM(total) FROM orders")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.EqualValues(t, 42, rows[0]["total"])
	}

	assert.Equal(t, int64(1), driver.queries.Load())

	poolStats, cacheStats := service.Stats()
	assert.Len(t, poolStats.Nodes, 2)
	assert.Equal(t, uint64(2), cacheStats.Hits)
	assert.True(t, cacheStats.ExternalAvailable)

	assert.NoError(t, service.Shutdown())
	assert.NoError(t, service.Shutdown())
	assert.True(t, external.closed.Load())

	_, err := service.CachedQuery(context.Background(), "report", "daily", "SELECT 1")
	assert.True(t, errors.Is(err, ErrServiceShutdown))
}

func TestResourceServiceUnreachableExternalCache(t *testing.T) {

	config, err := ConvertJSONFileToConfig("testdata/seasoning.json")
	require.NoError(t, err)

	service, err := NewResourceService(context.Background(), config, &fakeDriver{}, &ServiceOptions{
		Clock: clock.NewMock(),
		ExternalFactory: func(ctx context.Context, uri string) (cache.ExternalCache, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)
	defer service.Shutdown()

	_, cacheStats := service.Stats()
	assert.False(t, cacheStats.ExternalConfigured)

	rows, err := service.CachedQuery(context.Background(), "user", "1", "SELECT * FROM users WHERE id = $1", 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, service.Cache.Memory().Len())
}

func TestNewResourceServiceRejectsBadConfig(t *testing.T) {

	_, err := NewResourceService(context.Background(), &ResourceSeasoning{}, &fakeDriver{}, nil)
	assert.Error(t, err)

	_, err = NewResourceService(context.Background(), &ResourceSeasoning{PoolConfig: &pool.PoolConfig{}}, &fakeDriver{}, nil)
	assert.True(t, errors.Is(err, pool.ErrInvalidConfig))

	config, err := ConvertJSONFileToConfig("testdata/seasoning.json")
	require.NoError(t, err)
	config.CacheConfig.EvictionPolicy = "random"

	_, err = NewResourceService(context.Background(), config, &fakeDriver{}, &ServiceOptions{Clock: clock.NewMock()})
	assert.True(t, errors.Is(err, cache.ErrUnknownEvictionPolicy))
}
