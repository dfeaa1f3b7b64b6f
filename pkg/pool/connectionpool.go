package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// ConnectionPool houses the bounded pool of connections to a single node.
// Slots bound the number of leased connections to MaxSize; idle connections wait in a queue.
type ConnectionPool struct {
	node              *Node
	driver            Driver
	metrics           *NodeMetrics
	clock             clock.Clock
	connectionTimeout time.Duration
	connections       *queue.Queue
	slots             *semaphore.Weighted
	closed            atomic.Bool
	errorHandler      func(error)
}

// NewConnectionPool creates hosting structure for the ConnectionPool.
func NewConnectionPool(node *Node, driver Driver, metrics *NodeMetrics, connectionTimeout time.Duration) (*ConnectionPool, error) {
	return NewConnectionPoolWithErrorHandler(node, driver, metrics, connectionTimeout, nil, nil)
}

// NewConnectionPoolWithErrorHandler creates hosting structure for the ConnectionPool with an error handler and clock.
func NewConnectionPoolWithErrorHandler(
	node *Node,
	driver Driver,
	metrics *NodeMetrics,
	connectionTimeout time.Duration,
	errorHandler func(error),
	clk clock.Clock) (*ConnectionPool, error) {

	if node == nil || driver == nil {
		return nil, errors.New("connectionpool node and driver can't be nil")
	}

	if node.MaxSize == 0 {
		return nil, errors.New("connectionpool maxsize can't be 0")
	}

	if connectionTimeout <= 0 {
		return nil, errors.New("connectionpool connectiontimeout can't be 0")
	}

	if clk == nil {
		clk = clock.New()
	}

	if metrics == nil {
		metrics = NewNodeMetrics(clk.Now())
	}

	return &ConnectionPool{
		node:              node,
		driver:            driver,
		metrics:           metrics,
		clock:             clk,
		connectionTimeout: connectionTimeout,
		connections:       queue.New(int64(node.MaxSize)),
		slots:             semaphore.NewWeighted(int64(node.MaxSize)),
		errorHandler:      errorHandler,
	}, nil
}

// Warmup dials MinSize connections. Failures are reported and the pool stays usable.
func (cp *ConnectionPool) Warmup(ctx context.Context) int {
	return cp.Grow(ctx, int(cp.node.MinSize))
}

// GetConnection leases a connection, waiting up to the connection timeout for a free slot.
// Reuses an idle connection when one exists, otherwise dials a new one below MaxSize.
// Every successful call must be paired with exactly one ReturnConnection.
func (cp *ConnectionPool) GetConnection(ctx context.Context) (*ConnectionHost, error) {

	if cp.closed.Load() {
		return nil, ErrConnectionPoolClosed
	}

	acquireCtx, cancel := context.WithTimeout(ctx, cp.connectionTimeout)
	defer cancel()

	if err := cp.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, ErrPoolExhausted
	}

	connHost, err := cp.getConnectionHost(acquireCtx)
	if err != nil {
		cp.slots.Release(1)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, err
	}

	connHost.lease()
	cp.metrics.connectionAcquired()

	return connHost, nil
}

func (cp *ConnectionPool) getConnectionHost(ctx context.Context) (*ConnectionHost, error) {

	for {
		if ctx.Err() != nil {
			return nil, ErrPoolExhausted
		}

		if connHost := cp.takeIdleConnection(); connHost != nil {
			if connHost.IsFlagged() {
				cp.discardConnection(connHost)
				continue
			}

			return connHost, nil
		}

		if cp.reserveConnection() {
			connHost, err := NewConnectionHost(ctx, cp.driver, cp.node, cp.clock.Now())
			if err != nil {
				cp.metrics.connectionClosed()
				cp.handleError(err)
				return nil, err
			}

			return connHost, nil
		}

		// Every connection is open, one is on its way back to the queue.
		connHost, err := cp.pollIdleConnection(ctx)
		if err != nil {
			return nil, err
		}

		if connHost != nil {
			if connHost.IsFlagged() {
				cp.discardConnection(connHost)
				continue
			}

			return connHost, nil
		}
	}
}

func (cp *ConnectionPool) takeIdleConnection() *ConnectionHost {

	taken := false
	structs, err := cp.connections.TakeUntil(func(interface{}) bool {
		if taken {
			return false
		}

		taken = true
		return true
	})
	if err != nil || len(structs) == 0 {
		return nil
	}

	connHost, ok := structs[0].(*ConnectionHost)
	if !ok {
		cp.handleError(errors.New("invalid struct type found in ConnectionPool queue"))
		return nil
	}

	return connHost
}

func (cp *ConnectionPool) pollIdleConnection(ctx context.Context) (*ConnectionHost, error) {

	remaining := cp.connectionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}

	if remaining <= 0 {
		return nil, ErrPoolExhausted
	}

	structs, err := cp.connections.Poll(1, remaining)
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			return nil, ErrPoolExhausted
		}

		if errors.Is(err, queue.ErrDisposed) {
			return nil, ErrConnectionPoolClosed
		}

		return nil, err
	}

	if len(structs) == 0 {
		return nil, nil
	}

	connHost, ok := structs[0].(*ConnectionHost)
	if !ok {
		return nil, errors.New("invalid struct type found in ConnectionPool queue")
	}

	return connHost, nil
}

// reserveConnection claims room for one more open connection below MaxSize.
func (cp *ConnectionPool) reserveConnection() bool {

	limit := int64(cp.node.MaxSize)
	for {
		total := cp.metrics.totalConnections.Load()
		if total >= limit {
			return false
		}

		if cp.metrics.totalConnections.CompareAndSwap(total, total+1) {
			return true
		}
	}
}

// ReturnConnection puts the connection back in the queue, or closes it when flagged.
// Returning the same lease twice is a no-op reported to the error handler.
func (cp *ConnectionPool) ReturnConnection(connHost *ConnectionHost, flag bool) {

	if connHost == nil {
		return
	}

	if !connHost.unlease() {
		cp.handleError(fmt.Errorf("%w: %s", ErrConnectionReturned, connHost.ConnectionID))
		return
	}

	if flag {
		connHost.Flag()
	}

	if connHost.IsFlagged() || cp.closed.Load() {
		cp.discardConnection(connHost)
	} else if err := cp.connections.Put(connHost); err != nil {
		cp.discardConnection(connHost)
	}

	cp.metrics.connectionReleased()
	cp.slots.Release(1)
}

func (cp *ConnectionPool) discardConnection(connHost *ConnectionHost) {

	if err := connHost.Close(); err != nil {
		cp.handleError(&NodeQueryError{NodeID: cp.node.ID, Err: err})
	}

	cp.metrics.connectionClosed()
}

// Grow dials up to count extra idle connections without exceeding MaxSize.
// Returns how many were added.
func (cp *ConnectionPool) Grow(ctx context.Context, count int) int {

	added := 0
	for i := 0; i < count; i++ {
		if cp.closed.Load() || !cp.reserveConnection() {
			break
		}

		dialCtx, cancel := context.WithTimeout(ctx, cp.connectionTimeout)
		connHost, err := NewConnectionHost(dialCtx, cp.driver, cp.node, cp.clock.Now())
		cancel()

		if err != nil {
			cp.metrics.connectionClosed()
			cp.handleError(err)
			break
		}

		if err := cp.connections.Put(connHost); err != nil {
			cp.discardConnection(connHost)
			break
		}

		added++
	}

	return added
}

// Shrink closes up to count idle connections without going below MinSize.
// Returns how many were closed.
func (cp *ConnectionPool) Shrink(count int) int {

	removed := 0
	for i := 0; i < count; i++ {
		if cp.metrics.TotalConnections() <= int64(cp.node.MinSize) {
			break
		}

		connHost := cp.takeIdleConnection()
		if connHost == nil {
			break
		}

		cp.discardConnection(connHost)
		removed++
	}

	return removed
}

// Ping leases a connection and issues a trivial round-trip on it.
func (cp *ConnectionPool) Ping(ctx context.Context) error {

	connHost, err := cp.GetConnection(ctx)
	if err != nil {
		return err
	}

	err = connHost.Conn.Ping(ctx)
	cp.ReturnConnection(connHost, err != nil)

	if err != nil {
		return &NodeQueryError{NodeID: cp.node.ID, Err: err}
	}

	return nil
}

// IdleCount is the number of connections waiting in the queue.
func (cp *ConnectionPool) IdleCount() int64 {
	return cp.connections.Len()
}

// Node returns the node this pool dials.
func (cp *ConnectionPool) Node() *Node {
	return cp.node
}

func (cp *ConnectionPool) handleError(err error) {
	if cp.errorHandler != nil {
		cp.errorHandler(err)
	}
}

// Shutdown closes all idle connections; leased connections are closed as they are returned.
func (cp *ConnectionPool) Shutdown() error {

	if !cp.closed.CompareAndSwap(false, true) {
		return nil
	}

	items := cp.connections.Dispose()

	wg := &sync.WaitGroup{}
	errLock := &sync.Mutex{}
	var err error

	for _, item := range items {
		connHost, ok := item.(*ConnectionHost)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(connHost *ConnectionHost) {
			defer wg.Done()

			if closeErr := connHost.Close(); closeErr != nil {
				errLock.Lock()
				err = multierr.Append(err, &NodeQueryError{NodeID: cp.node.ID, Err: closeErr})
				errLock.Unlock()
			}

			cp.metrics.connectionClosed()
		}(connHost)
	}

	wg.Wait()

	return err
}
