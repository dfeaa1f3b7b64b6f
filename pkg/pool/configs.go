package pool

import (
	"fmt"
	"time"
)

const (
	defaultErrorThreshold       = 10
	defaultMaxRetryCount        = 3
	defaultRetryInterval        = 500
	defaultHealthCheckInterval  = 30000
	defaultMetricsInterval      = 10000
	defaultAutoScaleInterval    = 60000
	defaultQueryTimeout         = 30000
	defaultConnectionTimeout    = 5000
	defaultScaleUpUtilization   = 0.8
	defaultScaleDownUtilization = 0.3
	defaultScaleStep            = 1
)

// PoolConfig represents settings for creating/configuring the PoolRouter and its node pools.
// All intervals and timeouts are in milliseconds.
type PoolConfig struct {
	Nodes                []*NodeConfig `json:"Nodes" yaml:"Nodes"`
	LoadBalancer         string        `json:"LoadBalancer" yaml:"LoadBalancer"` // round_robin, least_connections, weighted_round_robin, geographic
	LocalRegion          string        `json:"LocalRegion" yaml:"LocalRegion"`   // preferred region for the geographic strategy
	HealthCheckInterval  uint32        `json:"HealthCheckInterval" yaml:"HealthCheckInterval"`
	QueryTimeout         uint32        `json:"QueryTimeout" yaml:"QueryTimeout"`
	ConnectionTimeout    uint32        `json:"ConnectionTimeout" yaml:"ConnectionTimeout"` // max wait for a free connection
	ErrorThreshold       uint64        `json:"ErrorThreshold" yaml:"ErrorThreshold"`       // breaker opens once errors exceed this
	BreakerCooldown      uint32        `json:"BreakerCooldown" yaml:"BreakerCooldown"`     // min open time before probing, 0 probes every tick
	MaxRetryCount        uint32        `json:"MaxRetryCount" yaml:"MaxRetryCount"`
	RetryInterval        uint32        `json:"RetryInterval" yaml:"RetryInterval"` // backoff is RetryInterval * attempt
	MetricsInterval      uint32        `json:"MetricsInterval" yaml:"MetricsInterval"`
	AutoScaleEnabled     bool          `json:"AutoScaleEnabled" yaml:"AutoScaleEnabled"` // opt-in, the scaling loop only starts when set
	AutoScaleInterval    uint32        `json:"AutoScaleInterval" yaml:"AutoScaleInterval"`
	ScaleUpUtilization   float64       `json:"ScaleUpUtilization" yaml:"ScaleUpUtilization"`
	ScaleDownUtilization float64       `json:"ScaleDownUtilization" yaml:"ScaleDownUtilization"`
	ScaleStep            uint32        `json:"ScaleStep" yaml:"ScaleStep"` // connections added or removed per decision
}

// NodeConfig represents a single backing data-store endpoint.
type NodeConfig struct {
	Host           string `json:"Host" yaml:"Host"`
	Port           uint16 `json:"Port" yaml:"Port"`
	Username       string `json:"Username" yaml:"Username"`
	Password       string `json:"Password" yaml:"Password"`
	Database       string `json:"Database" yaml:"Database"`
	Weight         uint32 `json:"Weight" yaml:"Weight"`
	Region         string `json:"Region" yaml:"Region"`
	IsPrimary      bool   `json:"IsPrimary" yaml:"IsPrimary"`
	MinConnections uint32 `json:"MinConnections" yaml:"MinConnections"`
	MaxConnections uint32 `json:"MaxConnections" yaml:"MaxConnections"`
}

// ApplyDefaults fills every zero valued setting with its default.
func (pc *PoolConfig) ApplyDefaults() {

	if pc.LoadBalancer == "" {
		pc.LoadBalancer = RoundRobinStrategy
	}

	if pc.ErrorThreshold == 0 {
		pc.ErrorThreshold = defaultErrorThreshold
	}

	if pc.MaxRetryCount == 0 {
		pc.MaxRetryCount = defaultMaxRetryCount
	}

	if pc.RetryInterval == 0 {
		pc.RetryInterval = defaultRetryInterval
	}

	if pc.HealthCheckInterval == 0 {
		pc.HealthCheckInterval = defaultHealthCheckInterval
	}

	if pc.MetricsInterval == 0 {
		pc.MetricsInterval = defaultMetricsInterval
	}

	if pc.AutoScaleInterval == 0 {
		pc.AutoScaleInterval = defaultAutoScaleInterval
	}

	if pc.QueryTimeout == 0 {
		pc.QueryTimeout = defaultQueryTimeout
	}

	if pc.ConnectionTimeout == 0 {
		pc.ConnectionTimeout = defaultConnectionTimeout
	}

	if pc.ScaleUpUtilization == 0 && pc.ScaleDownUtilization == 0 {
		pc.ScaleUpUtilization = defaultScaleUpUtilization
		pc.ScaleDownUtilization = defaultScaleDownUtilization
	}

	if pc.ScaleStep == 0 {
		pc.ScaleStep = defaultScaleStep
	}

	for _, node := range pc.Nodes {
		if node == nil {
			continue
		}

		if node.Weight == 0 {
			node.Weight = 1
		}

		if node.MaxConnections == 0 {
			node.MaxConnections = 10
		}
	}
}

// Validate checks the config for settings the router can't work with.
func (pc *PoolConfig) Validate() error {

	if len(pc.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(pc.Nodes))
	for i, node := range pc.Nodes {
		if node == nil || node.Host == "" {
			return fmt.Errorf("%w: node %d has no host", ErrInvalidConfig, i)
		}

		if node.MaxConnections == 0 {
			return fmt.Errorf("%w: node %s:%d maxconnections can't be 0", ErrInvalidConfig, node.Host, node.Port)
		}

		if node.MinConnections > node.MaxConnections {
			return fmt.Errorf("%w: node %s:%d minconnections exceeds maxconnections", ErrInvalidConfig, node.Host, node.Port)
		}

		id := nodeID(node.Host, node.Port)
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate node %s", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
	}

	if pc.ScaleUpUtilization <= pc.ScaleDownUtilization {
		return fmt.Errorf(
			"%w: scaleuputilization (%.2f) must be greater than scaledownutilization (%.2f)",
			ErrInvalidConfig,
			pc.ScaleUpUtilization,
			pc.ScaleDownUtilization)
	}

	if pc.ScaleUpUtilization > 1 || pc.ScaleDownUtilization < 0 {
		return fmt.Errorf("%w: scale utilization thresholds must be within [0, 1]", ErrInvalidConfig)
	}

	return nil
}

func millis(value uint32) time.Duration {
	return time.Duration(value) * time.Millisecond
}
