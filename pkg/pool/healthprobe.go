package pool

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// HealthProbe periodically pings every node off the request path.
// A successful probe closes an open breaker; a failed probe leaves the breaker alone.
type HealthProbe struct {
	hosts    []*NodeHost
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthProbe creates a probe over hosts.
func NewHealthProbe(hosts []*NodeHost, interval, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *HealthProbe {

	if clk == nil {
		clk = clock.New()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthProbe{
		hosts:    hosts,
		clock:    clk,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run probes every interval until ctx is cancelled.
func (hp *HealthProbe) Run(ctx context.Context) error {

	ticker := hp.clock.Ticker(hp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hp.CheckNodes(ctx)
		}
	}
}

// CheckNodes probes every node concurrently and waits for all of them.
func (hp *HealthProbe) CheckNodes(ctx context.Context) {

	wg := &sync.WaitGroup{}
	for _, host := range hp.hosts {
		wg.Add(1)
		go func(host *NodeHost) {
			defer wg.Done()
			_ = hp.CheckNode(ctx, host)
		}(host)
	}

	wg.Wait()
}

// CheckNode issues a single round-trip against the node.
// Open breakers still inside their cooldown are skipped.
func (hp *HealthProbe) CheckNode(ctx context.Context, host *NodeHost) error {

	now := hp.clock.Now()
	if !host.Breaker.ReadyForProbe(now) {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, hp.timeout)
	defer cancel()

	err := host.Pool.Ping(probeCtx)
	host.Metrics.RecordHealthCheck(hp.clock.Now())

	if err != nil {
		hp.logger.Debug("health probe failed",
			zap.String("node", host.ID()),
			zap.String("breaker", string(host.Breaker.State())),
			zap.Error(err))
		return err
	}

	if host.Breaker.Close() {
		host.Metrics.MarkAvailable(hp.clock.Now())
		hp.logger.Info("circuit breaker closed", zap.String("node", host.ID()))
	}

	return nil
}
