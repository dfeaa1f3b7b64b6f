package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewLoadBalancer(t *testing.T) {

	for _, name := range []string{RoundRobinStrategy, LeastConnectionsStrategy, WeightedRoundRobinStrategy, GeographicStrategy} {
		balancer, err := NewLoadBalancer(name, "eu")
		require.NoError(t, err)
		assert.Equal(t, name, balancer.Name())
	}

	balancer, err := NewLoadBalancer("", "")
	require.NoError(t, err)
	assert.Equal(t, RoundRobinStrategy, balancer.Name())

	_, err = NewLoadBalancer("random", "")
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestRoundRobinCycles(t *testing.T) {

	a, b, c := newTestHost("a", "", 1), newTestHost("b", "", 1), newTestHost("c", "", 1)
	candidates := []*NodeHost{a, b, c}

	rr := &RoundRobin{}
	for i := 0; i < 6; i++ {
		assert.Same(t, candidates[i%3], rr.Select(candidates))
	}

	assert.Nil(t, rr.Select(nil))
}

func TestLeastConnectionsPicksFewest(t *testing.T) {

	a, b := newTestHost("a", "", 1), newTestHost("b", "", 1)
	a.Metrics.activeConnections.Store(2)
	b.Metrics.activeConnections.Store(5)

	lc := &LeastConnections{}
	assert.Same(t, a, lc.Select([]*NodeHost{a, b}))
	assert.Same(t, a, lc.Select([]*NodeHost{b, a}))

	b.Metrics.activeConnections.Store(2)
	assert.Same(t, b, lc.Select([]*NodeHost{b, a}), "ties go to the earliest candidate")
}

func TestWeightedRoundRobinDistribution(t *testing.T) {

	a, b := newTestHost("a", "", 3), newTestHost("b", "", 1)
	candidates := []*NodeHost{a, b}

	wrr := &WeightedRoundRobin{}
	selections := 4000
	hits := 0
	for i := 0; i < selections; i++ {
		if wrr.Select(candidates) == a {
			hits++
		}
	}

	assert.InDelta(t, 0.75, float64(hits)/float64(selections), 0.03)
}

func TestWeightedRoundRobinZeroWeights(t *testing.T) {

	a, b := newTestHost("a", "", 0), newTestHost("b", "", 0)
	wrr := &WeightedRoundRobin{}

	assert.Same(t, a, wrr.Select([]*NodeHost{a, b}))
	assert.Same(t, b, wrr.Select([]*NodeHost{a, b}))
}

func TestGeographicPrefersLocalRegion(t *testing.T) {

	us, eu := newTestHost("us", "us-east", 1), newTestHost("eu", "eu-west", 1)

	geo := &Geographic{LocalRegion: "eu-west"}
	assert.Same(t, eu, geo.Select([]*NodeHost{us, eu}))
	assert.Same(t, us, geo.Select([]*NodeHost{us}))

	geo = &Geographic{LocalRegion: "ap-south"}
	assert.Same(t, us, geo.Select([]*NodeHost{us, eu}))
}

func TestOpenBreakerNeverSelected(t *testing.T) {

	driver := newFakeDriver()
	router := newTestRouter(t, driver, func(config *PoolConfig) {
		config.Nodes = append(config.Nodes, &NodeConfig{Host: "db2", Port: 5432, MaxConnections: 2, Weight: 5, Region: "eu"})
	})
	defer router.Shutdown()

	open := router.Host("db2:5432")
	require.NotNil(t, open)
	open.Breaker.RecordFailure(100, testEpoch)

	for _, name := range []string{RoundRobinStrategy, LeastConnectionsStrategy, WeightedRoundRobinStrategy, GeographicStrategy} {
		balancer, err := NewLoadBalancer(name, "eu")
		require.NoError(t, err)

		for i := 0; i < 50; i++ {
			selected := balancer.Select(router.availableHosts())
			require.NotNil(t, selected)
			assert.NotEqual(t, "db2:5432", selected.ID(), name)
		}
	}
}
