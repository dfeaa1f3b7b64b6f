package pool

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// NodeMetrics holds the live counters of a single node.
// Connection counts are only ever changed in acquire/return pairs by the node's ConnectionPool.
type NodeMetrics struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	queryCount        atomic.Uint64
	errorCount        atomic.Uint64
	lastHealthCheck   atomic.Time
	availableSince    atomic.Time

	responseLock    *sync.Mutex
	avgResponseTime time.Duration
	samples         uint64
}

// NewNodeMetrics creates zeroed metrics for a node that became available at the given time.
func NewNodeMetrics(now time.Time) *NodeMetrics {

	nm := &NodeMetrics{
		responseLock: &sync.Mutex{},
	}
	nm.availableSince.Store(now)

	return nm
}

// RecordQuery counts a successful query and folds its duration into the rolling average.
func (nm *NodeMetrics) RecordQuery(elapsed time.Duration) {
	nm.RecordQueries(1, elapsed)
}

// RecordQueries counts a batch of successful queries that took elapsed in total.
func (nm *NodeMetrics) RecordQueries(count uint64, elapsed time.Duration) {

	if count == 0 {
		return
	}

	nm.queryCount.Add(count)

	nm.responseLock.Lock()
	defer nm.responseLock.Unlock()

	nm.samples++
	nm.avgResponseTime += (elapsed - nm.avgResponseTime) / time.Duration(nm.samples)
}

// RecordError counts a failure and returns the node's lifetime error count.
func (nm *NodeMetrics) RecordError() uint64 {
	return nm.errorCount.Inc()
}

// RecordHealthCheck stamps the time of the latest probe.
func (nm *NodeMetrics) RecordHealthCheck(at time.Time) {
	nm.lastHealthCheck.Store(at)
}

// MarkAvailable restarts the uptime clock.
func (nm *NodeMetrics) MarkAvailable(at time.Time) {
	nm.availableSince.Store(at)
}

// ActiveConnections is the number of connections currently leased out.
func (nm *NodeMetrics) ActiveConnections() int64 {
	return nm.activeConnections.Load()
}

// TotalConnections is the number of open connections, leased or idle.
func (nm *NodeMetrics) TotalConnections() int64 {
	return nm.totalConnections.Load()
}

// QueryCount is the number of successful queries.
func (nm *NodeMetrics) QueryCount() uint64 {
	return nm.queryCount.Load()
}

// ErrorCount is the lifetime number of failures.
func (nm *NodeMetrics) ErrorCount() uint64 {
	return nm.errorCount.Load()
}

// AvgResponseTime is the rolling mean of successful query durations.
func (nm *NodeMetrics) AvgResponseTime() time.Duration {
	nm.responseLock.Lock()
	defer nm.responseLock.Unlock()

	return nm.avgResponseTime
}

// Utilization is active / total, 0 when the node holds no connections.
func (nm *NodeMetrics) Utilization() float64 {

	total := nm.totalConnections.Load()
	if total <= 0 {
		return 0
	}

	return float64(nm.activeConnections.Load()) / float64(total)
}

func (nm *NodeMetrics) connectionClosed()   { nm.totalConnections.Dec() }
func (nm *NodeMetrics) connectionAcquired() { nm.activeConnections.Inc() }
func (nm *NodeMetrics) connectionReleased() { nm.activeConnections.Dec() }

// NodeStats is a point in time copy of a node's metrics.
type NodeStats struct {
	NodeID            string        `json:"node_id"`
	Region            string        `json:"region"`
	IsPrimary         bool          `json:"is_primary"`
	ActiveConnections int64         `json:"active_connections"`
	IdleConnections   int64         `json:"idle_connections"`
	TotalConnections  int64         `json:"total_connections"`
	MaxConnections    uint32        `json:"max_connections"`
	QueryCount        uint64        `json:"query_count"`
	ErrorCount        uint64        `json:"error_count"`
	AvgResponseTime   time.Duration `json:"avg_response_time"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
	Uptime            time.Duration `json:"uptime"`
	Utilization       float64       `json:"utilization"`
	BreakerState      BreakerState  `json:"breaker_state"`
}

// RouterStats is the aggregate view returned by PoolRouter.GetStats.
type RouterStats struct {
	Nodes       []NodeStats             `json:"nodes"`
	Utilization float64                 `json:"utilization"`
	Breakers    map[string]BreakerState `json:"breakers"`
	Strategy    string                  `json:"strategy"`
}

func (nh *NodeHost) stats(now time.Time) NodeStats {

	state := nh.Breaker.State()

	var uptime time.Duration
	if state == BreakerClosed {
		uptime = now.Sub(nh.Metrics.availableSince.Load())
	}

	return NodeStats{
		NodeID:            nh.Node.ID,
		Region:            nh.Node.Region,
		IsPrimary:         nh.Node.IsPrimary,
		ActiveConnections: nh.Metrics.ActiveConnections(),
		IdleConnections:   nh.Pool.IdleCount(),
		TotalConnections:  nh.Metrics.TotalConnections(),
		MaxConnections:    nh.Node.MaxSize,
		QueryCount:        nh.Metrics.QueryCount(),
		ErrorCount:        nh.Metrics.ErrorCount(),
		AvgResponseTime:   nh.Metrics.AvgResponseTime(),
		LastHealthCheck:   nh.Metrics.lastHealthCheck.Load(),
		Uptime:            uptime,
		Utilization:       nh.Metrics.Utilization(),
		BreakerState:      state,
	}
}
