package pool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNodeAvailable is returned when every node's circuit breaker is open or no node is configured.
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrPoolExhausted is returned when no connection became free within the connection timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrConnectionPoolClosed is returned when a connection pool shutdown has been triggered.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrRouterClosed is returned when the pool router has been shutdown.
	ErrRouterClosed = errors.New("pool router closed")

	// ErrUnknownStrategy is returned when the configured load balancer strategy does not exist.
	ErrUnknownStrategy = errors.New("unknown load balancer strategy")

	// ErrInvalidConfig is wrapped by every config validation failure.
	ErrInvalidConfig = errors.New("invalid pool config")

	// ErrConnectionReturned is reported when a connection is returned more than once.
	ErrConnectionReturned = errors.New("connection already returned to pool")
)

// NodeQueryError wraps a failure raised by a node's driver while connecting or executing.
// You can check for it with errors.As.
type NodeQueryError struct {
	NodeID string
	Query  string
	Err    error
}

func (e *NodeQueryError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
	}

	return fmt.Sprintf("node %s: query %q: %v", e.NodeID, e.Query, e.Err)
}

func (e *NodeQueryError) Unwrap() error {
	return e.Err
}

// IsNodeQueryError reports whether err carries a node execution failure.
func IsNodeQueryError(err error) bool {
	var nodeErr *NodeQueryError
	return errors.As(err, &nodeErr)
}
