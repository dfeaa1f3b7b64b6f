package pool

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ScaleDecision is the outcome of evaluating a node's utilization.
type ScaleDecision string

const (
	// ScaleHold keeps the pool as is.
	ScaleHold ScaleDecision = "hold"

	// ScaleUp adds idle connections, bounded by MaxSize.
	ScaleUp ScaleDecision = "up"

	// ScaleDown closes idle connections, bounded by MinSize.
	ScaleDown ScaleDecision = "down"
)

// ScaleEvent records what the auto-scaler did to a node.
type ScaleEvent struct {
	NodeID      string
	Utilization float64
	Decision    ScaleDecision
	Changed     int
}

// AutoScaler grows or shrinks node pools from their utilization (active / total).
// The up and down thresholds differ so a pool does not oscillate between decisions.
type AutoScaler struct {
	hosts     []*NodeHost
	scaleUp   float64
	scaleDown float64
	step      int
	interval  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

// NewAutoScaler creates an auto-scaler; scaleDown must be lower than scaleUp.
func NewAutoScaler(hosts []*NodeHost, config *PoolConfig, clk clock.Clock, logger *zap.Logger) *AutoScaler {

	if clk == nil {
		clk = clock.New()
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &AutoScaler{
		hosts:     hosts,
		scaleUp:   config.ScaleUpUtilization,
		scaleDown: config.ScaleDownUtilization,
		step:      int(config.ScaleStep),
		interval:  millis(config.AutoScaleInterval),
		clock:     clk,
		logger:    logger,
	}
}

// Evaluate maps a utilization onto a decision.
func (as *AutoScaler) Evaluate(utilization float64) ScaleDecision {

	switch {
	case utilization > as.scaleUp:
		return ScaleUp
	case utilization < as.scaleDown:
		return ScaleDown
	default:
		return ScaleHold
	}
}

// Run rebalances every interval until ctx is cancelled.
func (as *AutoScaler) Run(ctx context.Context) error {

	ticker := as.clock.Ticker(as.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			as.Rebalance(ctx)
		}
	}
}

// Rebalance evaluates every node with a closed breaker once and applies the decisions.
func (as *AutoScaler) Rebalance(ctx context.Context) []ScaleEvent {

	events := make([]ScaleEvent, 0, len(as.hosts))
	for _, host := range as.hosts {
		if host.Breaker.IsOpen() {
			continue
		}

		utilization := host.Metrics.Utilization()
		event := ScaleEvent{
			NodeID:      host.ID(),
			Utilization: utilization,
			Decision:    as.Evaluate(utilization),
		}

		switch event.Decision {
		case ScaleUp:
			event.Changed = host.Pool.Grow(ctx, as.step)
		case ScaleDown:
			event.Changed = host.Pool.Shrink(as.step)
		}

		if event.Changed > 0 {
			as.logger.Info("pool resized",
				zap.String("node", event.NodeID),
				zap.String("decision", string(event.Decision)),
				zap.Int("connections", event.Changed),
				zap.Float64("utilization", utilization))
		}

		events = append(events, event)
	}

	return events
}
