package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RouterOptions carries the optional collaborators of a PoolRouter.
type RouterOptions struct {
	Logger       *zap.Logger
	Clock        clock.Clock
	Registerer   prometheus.Registerer // collector is registered here when set
	Balancer     LoadBalancer          // overrides PoolConfig.LoadBalancer
	ErrorHandler func(error)           // receives connection pool errors
	StatsHandler func(*RouterStats)    // receives a snapshot every MetricsInterval
}

// PoolRouter orchestrates nodes, breakers, the load balancer and metrics.
// Background probe, metrics and auto-scale loops start with the router and stop in Shutdown.
type PoolRouter struct {
	Config PoolConfig

	hosts     []*NodeHost
	balancer  LoadBalancer
	probe     *HealthProbe
	scaler    *AutoScaler
	collector *Collector

	logger       *zap.Logger
	clock        clock.Clock
	registerer   prometheus.Registerer
	statsHandler func(*RouterStats)

	queryTimeout    time.Duration
	retryInterval   time.Duration
	metricsInterval time.Duration
	maxRetries      uint

	cancel   context.CancelFunc
	group    *errgroup.Group
	shutdown atomic.Bool
}

// NewPoolRouter creates the router with default collaborators.
func NewPoolRouter(config *PoolConfig, driver Driver) (*PoolRouter, error) {
	return NewPoolRouterWithOptions(config, driver, nil)
}

// NewPoolRouterWithOptions creates the router, warms every node pool up to MinSize and starts the background loops.
func NewPoolRouterWithOptions(config *PoolConfig, driver Driver, options *RouterOptions) (*PoolRouter, error) {

	if config == nil {
		return nil, fmt.Errorf("%w: config can't be nil", ErrInvalidConfig)
	}

	if driver == nil {
		return nil, errors.New("poolrouter driver can't be nil")
	}

	if options == nil {
		options = &RouterOptions{}
	}

	cfg := copyPoolConfig(config)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("pool")

	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}

	balancer := options.Balancer
	if balancer == nil {
		var err error
		balancer, err = NewLoadBalancer(cfg.LoadBalancer, cfg.LocalRegion)
		if err != nil {
			return nil, err
		}
	}

	pr := &PoolRouter{
		Config:          *cfg,
		balancer:        balancer,
		logger:          logger,
		clock:           clk,
		registerer:      options.Registerer,
		statsHandler:    options.StatsHandler,
		queryTimeout:    millis(cfg.QueryTimeout),
		retryInterval:   millis(cfg.RetryInterval),
		metricsInterval: millis(cfg.MetricsInterval),
		maxRetries:      uint(cfg.MaxRetryCount),
	}

	errorHandler := func(err error) {
		logger.Debug("connection pool error", zap.Error(err))
		if options.ErrorHandler != nil {
			options.ErrorHandler(err)
		}
	}

	for _, nodeConfig := range cfg.Nodes {
		node := NewNode(nodeConfig)
		metrics := NewNodeMetrics(clk.Now())

		connectionPool, err := NewConnectionPoolWithErrorHandler(
			node,
			driver,
			metrics,
			millis(cfg.ConnectionTimeout),
			errorHandler,
			clk)
		if err != nil {
			return nil, err
		}

		pr.hosts = append(pr.hosts, &NodeHost{
			Node:    node,
			Pool:    connectionPool,
			Metrics: metrics,
			Breaker: NewCircuitBreaker(node.ID, cfg.ErrorThreshold, millis(cfg.BreakerCooldown)),
		})
	}

	pr.warmup()

	pr.probe = NewHealthProbe(pr.hosts, millis(cfg.HealthCheckInterval), pr.queryTimeout, clk, logger)
	pr.scaler = NewAutoScaler(pr.hosts, cfg, clk, logger)
	pr.collector = NewCollector(pr)

	if pr.registerer != nil {
		if err := pr.registerer.Register(pr.collector); err != nil {
			_ = pr.shutdownPools()
			return nil, err
		}
	}

	pr.startBackgroundLoops()

	logger.Info("pool router started",
		zap.Int("nodes", len(pr.hosts)),
		zap.String("strategy", balancer.Name()))

	return pr, nil
}

func copyPoolConfig(config *PoolConfig) *PoolConfig {

	cfg := *config
	cfg.Nodes = make([]*NodeConfig, 0, len(config.Nodes))
	for _, node := range config.Nodes {
		if node == nil {
			cfg.Nodes = append(cfg.Nodes, nil)
			continue
		}

		nodeCopy := *node
		cfg.Nodes = append(cfg.Nodes, &nodeCopy)
	}

	return &cfg
}

func (pr *PoolRouter) warmup() {

	wg := &sync.WaitGroup{}
	for _, host := range pr.hosts {
		wg.Add(1)
		go func(host *NodeHost) {
			defer wg.Done()

			if dialed := host.Pool.Warmup(context.Background()); dialed < int(host.Node.MinSize) {
				pr.logger.Warn("node pool warmup incomplete",
					zap.String("node", host.ID()),
					zap.Int("dialed", dialed),
					zap.Uint32("min", host.Node.MinSize))
			}
		}(host)
	}

	wg.Wait()
}

func (pr *PoolRouter) startBackgroundLoops() {

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	pr.cancel = cancel
	pr.group = group

	group.Go(func() error { return pr.probe.Run(groupCtx) })
	group.Go(func() error { return pr.collectMetrics(groupCtx) })

	if pr.Config.AutoScaleEnabled {
		group.Go(func() error { return pr.scaler.Run(groupCtx) })
	}
}

func (pr *PoolRouter) collectMetrics(ctx context.Context) error {

	ticker := pr.clock.Ticker(pr.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := pr.GetStats()

			pr.logger.Debug("pool stats",
				zap.Float64("utilization", stats.Utilization),
				zap.Int("nodes", len(stats.Nodes)))

			if pr.statsHandler != nil {
				pr.statsHandler(stats)
			}
		}
	}
}

// Hosts returns every node the router manages, in configuration order.
func (pr *PoolRouter) Hosts() []*NodeHost {
	return pr.hosts
}

// Host returns the node with the given id, or nil.
func (pr *PoolRouter) Host(nodeID string) *NodeHost {

	for _, host := range pr.hosts {
		if host.ID() == nodeID {
			return host
		}
	}

	return nil
}

// availableHosts returns the nodes whose breaker is closed.
func (pr *PoolRouter) availableHosts() []*NodeHost {

	candidates := make([]*NodeHost, 0, len(pr.hosts))
	for _, host := range pr.hosts {
		if !host.Breaker.IsOpen() {
			candidates = append(candidates, host)
		}
	}

	return candidates
}

func (pr *PoolRouter) selectNode() (*NodeHost, error) {

	if pr.shutdown.Load() {
		return nil, ErrRouterClosed
	}

	host := pr.balancer.Select(pr.availableHosts())
	if host == nil {
		return nil, ErrNoNodeAvailable
	}

	return host, nil
}

func (pr *PoolRouter) recordFailure(host *NodeHost) {

	errorCount := host.Metrics.RecordError()
	if host.Breaker.RecordFailure(errorCount, pr.clock.Now()) {
		pr.logger.Warn("circuit breaker opened",
			zap.String("node", host.ID()),
			zap.Uint64("errors", errorCount))
	}
}

// acquire leases a connection from host, translating pool failures into the router's errors.
func (pr *PoolRouter) acquire(ctx context.Context, host *NodeHost) (*ConnectionHost, error) {

	connHost, err := host.Pool.GetConnection(ctx)
	if err == nil {
		return connHost, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrConnectionPoolClosed):
		return nil, ErrRouterClosed
	case errors.Is(err, ErrPoolExhausted):
		pr.recordFailure(host)
		return nil, fmt.Errorf("node %s: %w", host.ID(), ErrPoolExhausted)
	case IsNodeQueryError(err):
		pr.recordFailure(host)
		return nil, err
	default:
		pr.recordFailure(host)
		return nil, &NodeQueryError{NodeID: host.ID(), Err: err}
	}
}

// runOnNode leases one connection, runs fn with the query timeout and always returns the connection.
// statements is the number of queries fn executes, used for the node's query count.
func (pr *PoolRouter) runOnNode(
	ctx context.Context,
	host *NodeHost,
	statements uint64,
	fn func(context.Context, *ConnectionHost) error) error {

	connHost, err := pr.acquire(ctx, host)
	if err != nil {
		return err
	}

	failed := true
	defer func() { host.Pool.ReturnConnection(connHost, failed) }()

	queryCtx, cancel := context.WithTimeout(ctx, pr.queryTimeout)
	defer cancel()

	start := pr.clock.Now()
	if err := fn(queryCtx, connHost); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pr.recordFailure(host)
		return err
	}

	failed = false
	host.Metrics.RecordQueries(statements, pr.clock.Since(start))

	return nil
}

// Execute runs a single query on a node chosen by the load balancer among closed breakers.
func (pr *PoolRouter) Execute(ctx context.Context, query string, params ...interface{}) (Rows, error) {

	host, err := pr.selectNode()
	if err != nil {
		return nil, err
	}

	var rows Rows
	err = pr.runOnNode(ctx, host, 1, func(queryCtx context.Context, connHost *ConnectionHost) error {

		var queryErr error
		rows, queryErr = connHost.Conn.Query(queryCtx, query, params...)
		if queryErr != nil {
			return &NodeQueryError{NodeID: host.ID(), Query: query, Err: queryErr}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rows, nil
}

// ExecuteTransaction runs every statement on one connection as a single atomic unit.
// Any failure rolls the whole batch back.
func (pr *PoolRouter) ExecuteTransaction(ctx context.Context, statements []Statement) ([]Rows, error) {

	if len(statements) == 0 {
		return []Rows{}, nil
	}

	host, err := pr.selectNode()
	if err != nil {
		return nil, err
	}

	results := make([]Rows, 0, len(statements))
	err = pr.runOnNode(ctx, host, uint64(len(statements)), func(queryCtx context.Context, connHost *ConnectionHost) error {

		tx, err := connHost.Conn.Begin(queryCtx)
		if err != nil {
			return &NodeQueryError{NodeID: host.ID(), Query: "BEGIN", Err: err}
		}

		for _, statement := range statements {
			rows, err := tx.Query(queryCtx, statement.Query, statement.Params...)
			if err != nil {
				return &NodeQueryError{
					NodeID: host.ID(),
					Query:  statement.Query,
					Err:    multierr.Append(err, pr.rollback(queryCtx, tx)),
				}
			}

			results = append(results, rows)
		}

		if err := tx.Commit(queryCtx); err != nil {
			return &NodeQueryError{
				NodeID: host.ID(),
				Query:  "COMMIT",
				Err:    multierr.Append(err, pr.rollback(queryCtx, tx)),
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

// rollback outlives a cancelled query context so the node is not left with an open transaction.
func (pr *PoolRouter) rollback(ctx context.Context, tx Tx) error {

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pr.queryTimeout)
	defer cancel()

	return tx.Rollback(rollbackCtx)
}

// Lease is a scoped connection acquisition. Release must be called exactly once; extra calls are ignored.
type Lease struct {
	connHost *ConnectionHost
	host     *NodeHost
	router   *PoolRouter
	once     sync.Once
}

// Conn is the leased physical connection.
func (l *Lease) Conn() Conn {
	return l.connHost.Conn
}

// NodeID is the node the connection belongs to.
func (l *Lease) NodeID() string {
	return l.host.ID()
}

// Release returns the connection. A non nil err discards the connection and, unless it is a
// caller cancellation, counts against the node.
func (l *Lease) Release(err error) {

	l.once.Do(func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			l.router.recordFailure(l.host)
		}

		l.host.Pool.ReturnConnection(l.connHost, err != nil)
	})
}

// AcquireConnection leases a connection from a node chosen by the load balancer.
func (pr *PoolRouter) AcquireConnection(ctx context.Context) (*Lease, error) {

	host, err := pr.selectNode()
	if err != nil {
		return nil, err
	}

	connHost, err := pr.acquire(ctx, host)
	if err != nil {
		return nil, err
	}

	return &Lease{
		connHost: connHost,
		host:     host,
		router:   pr,
	}, nil
}

// WithConnection leases a connection for the duration of fn and releases it on every path.
// Errors returned by fn are wrapped as node query errors.
func (pr *PoolRouter) WithConnection(ctx context.Context, fn func(context.Context, Conn) error) (err error) {

	lease, err := pr.AcquireConnection(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.Release(fmt.Errorf("panic: %v", r))
			panic(r)
		}

		lease.Release(err)
	}()

	if fnErr := fn(ctx, lease.Conn()); fnErr != nil {
		if IsNodeQueryError(fnErr) || errors.Is(fnErr, context.Canceled) || errors.Is(fnErr, context.DeadlineExceeded) {
			return fnErr
		}

		return &NodeQueryError{NodeID: lease.NodeID(), Err: fnErr}
	}

	return nil
}

// CheckHealth probes every node once, outside of the periodic schedule.
func (pr *PoolRouter) CheckHealth(ctx context.Context) {
	pr.probe.CheckNodes(ctx)
}

// Rebalance runs one auto-scaling pass, outside of the periodic schedule.
func (pr *PoolRouter) Rebalance(ctx context.Context) []ScaleEvent {
	return pr.scaler.Rebalance(ctx)
}

// GetStats returns per-node metrics, aggregate utilization and breaker states.
func (pr *PoolRouter) GetStats() *RouterStats {

	now := pr.clock.Now()
	stats := &RouterStats{
		Nodes:    make([]NodeStats, 0, len(pr.hosts)),
		Breakers: make(map[string]BreakerState, len(pr.hosts)),
		Strategy: pr.balancer.Name(),
	}

	var active, total int64
	for _, host := range pr.hosts {
		nodeStats := host.stats(now)
		stats.Nodes = append(stats.Nodes, nodeStats)
		stats.Breakers[nodeStats.NodeID] = nodeStats.BreakerState

		active += nodeStats.ActiveConnections
		total += nodeStats.TotalConnections
	}

	if total > 0 {
		stats.Utilization = float64(active) / float64(total)
	}

	return stats
}

// Shutdown cancels and awaits the background loops, then closes every node pool.
func (pr *PoolRouter) Shutdown() error {

	if !pr.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	pr.cancel()
	err := pr.group.Wait()

	if pr.registerer != nil {
		pr.registerer.Unregister(pr.collector)
	}

	err = multierr.Append(err, pr.shutdownPools())

	pr.logger.Info("pool router shutdown", zap.Error(err))

	return err
}

func (pr *PoolRouter) shutdownPools() error {

	var err error
	for _, host := range pr.hosts {
		err = multierr.Append(err, host.Pool.Shutdown())
	}

	return err
}
