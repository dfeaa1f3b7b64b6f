package pool

import (
	"fmt"
	"math/rand"

	"go.uber.org/atomic"
)

const (
	// RoundRobinStrategy cycles through the candidates with a shared counter.
	RoundRobinStrategy = "round_robin"

	// LeastConnectionsStrategy picks the candidate with the fewest active connections.
	LeastConnectionsStrategy = "least_connections"

	// WeightedRoundRobinStrategy samples candidates proportionally to their static weight.
	WeightedRoundRobinStrategy = "weighted_round_robin"

	// GeographicStrategy prefers candidates in the local region.
	GeographicStrategy = "geographic"
)

// LoadBalancer is a pure selection strategy over a candidate node set.
// Select returns nil only when candidates is empty. Must be goroutine-safe.
type LoadBalancer interface {
	Select(candidates []*NodeHost) *NodeHost
	Name() string
}

// NewLoadBalancer builds the strategy registered under name.
func NewLoadBalancer(name, localRegion string) (LoadBalancer, error) {

	switch name {
	case RoundRobinStrategy, "":
		return &RoundRobin{}, nil
	case LeastConnectionsStrategy:
		return &LeastConnections{}, nil
	case WeightedRoundRobinStrategy:
		return &WeightedRoundRobin{}, nil
	case GeographicStrategy:
		return &Geographic{LocalRegion: localRegion}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// RoundRobin selects candidates cyclically.
type RoundRobin struct {
	counter atomic.Uint64
}

// Select implements LoadBalancer.
func (rr *RoundRobin) Select(candidates []*NodeHost) *NodeHost {

	if len(candidates) == 0 {
		return nil
	}

	next := rr.counter.Inc() - 1
	return candidates[next%uint64(len(candidates))]
}

// Name implements LoadBalancer.
func (rr *RoundRobin) Name() string { return RoundRobinStrategy }

// LeastConnections selects the candidate with the fewest active connections.
type LeastConnections struct{}

// Select implements LoadBalancer. Ties go to the earliest candidate.
func (lc *LeastConnections) Select(candidates []*NodeHost) *NodeHost {

	var chosen *NodeHost
	var fewest int64

	for _, candidate := range candidates {
		active := candidate.Metrics.ActiveConnections()
		if chosen == nil || active < fewest {
			chosen = candidate
			fewest = active
		}
	}

	return chosen
}

// Name implements LoadBalancer.
func (lc *LeastConnections) Name() string { return LeastConnectionsStrategy }

// WeightedRoundRobin samples candidates proportionally to Node.Weight.
type WeightedRoundRobin struct {
	fallback RoundRobin
}

// Select implements LoadBalancer.
func (wrr *WeightedRoundRobin) Select(candidates []*NodeHost) *NodeHost {

	if len(candidates) == 0 {
		return nil
	}

	var totalWeight int64
	for _, candidate := range candidates {
		totalWeight += int64(candidate.Node.Weight)
	}

	// Every candidate reported zero weight, plain round robin over the set.
	if totalWeight <= 0 {
		return wrr.fallback.Select(candidates)
	}

	point := rand.Int63n(totalWeight)
	for _, candidate := range candidates {
		point -= int64(candidate.Node.Weight)
		if point < 0 {
			return candidate
		}
	}

	return candidates[len(candidates)-1]
}

// Name implements LoadBalancer.
func (wrr *WeightedRoundRobin) Name() string { return WeightedRoundRobinStrategy }

// Geographic prefers a candidate in LocalRegion, else the first candidate.
type Geographic struct {
	LocalRegion string
}

// Select implements LoadBalancer.
func (geo *Geographic) Select(candidates []*NodeHost) *NodeHost {

	if len(candidates) == 0 {
		return nil
	}

	for _, candidate := range candidates {
		if candidate.Node.Region == geo.LocalRegion {
			return candidate
		}
	}

	return candidates[0]
}

// Name implements LoadBalancer.
func (geo *Geographic) Name() string { return GeographicStrategy }
