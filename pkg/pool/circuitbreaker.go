package pool

import (
	"time"

	"go.uber.org/atomic"
)

// BreakerState is the open/closed gate of a node.
type BreakerState string

const (
	// BreakerClosed lets traffic through to the node.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen excludes the node from selection until a health probe succeeds.
	BreakerOpen BreakerState = "open"
)

// CircuitBreaker guards a single node. There is no half-open state: the request path
// opens it, a successful health probe closes it.
type CircuitBreaker struct {
	nodeID    string
	threshold uint64
	cooldown  time.Duration
	open      atomic.Bool
	openedAt  atomic.Time
}

// NewCircuitBreaker creates a closed breaker that trips once a node's error count exceeds threshold.
func NewCircuitBreaker(nodeID string, threshold uint64, cooldown time.Duration) *CircuitBreaker {

	return &CircuitBreaker{
		nodeID:    nodeID,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// RecordFailure opens the breaker when errorCount crosses the threshold.
// Returns true only for the call that actually opened it.
func (cb *CircuitBreaker) RecordFailure(errorCount uint64, now time.Time) bool {

	if errorCount <= cb.threshold {
		return false
	}

	if cb.open.CompareAndSwap(false, true) {
		cb.openedAt.Store(now)
		return true
	}

	return false
}

// Close re-admits the node. Returns true only for the call that actually closed it.
func (cb *CircuitBreaker) Close() bool {
	return cb.open.CompareAndSwap(true, false)
}

// IsOpen reports whether the node is excluded from selection.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.open.Load()
}

// State reports the current state.
func (cb *CircuitBreaker) State() BreakerState {
	if cb.open.Load() {
		return BreakerOpen
	}

	return BreakerClosed
}

// ReadyForProbe reports whether an open breaker has cooled down long enough to be probed.
func (cb *CircuitBreaker) ReadyForProbe(now time.Time) bool {

	if !cb.open.Load() {
		return true
	}

	return now.Sub(cb.openedAt.Load()) >= cb.cooldown
}
