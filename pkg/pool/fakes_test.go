package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	assertWait = 2 * time.Second
	assertTick = 10 * time.Millisecond
)

var errFakeNode = errors.New("fake node failure")

// fakeDriver hands out in-memory connections. Failures can be switched on per node.
type fakeDriver struct {
	dials       atomic.Int64
	closes      atomic.Int64
	queries     atomic.Int64
	commits     atomic.Int64
	rollbacks   atomic.Int64
	failConnect atomic.Bool

	lock       *sync.Mutex
	failing    map[string]bool
	failNext   map[string]int
	failOnStmt string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		lock:     &sync.Mutex{},
		failing:  make(map[string]bool),
		failNext: make(map[string]int),
	}
}

func (fd *fakeDriver) setFailing(nodeID string, failing bool) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.failing[nodeID] = failing
}

// failNextQueries makes the next count queries on the node fail.
func (fd *fakeDriver) failNextQueries(nodeID string, count int) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.failNext[nodeID] = count
}

func (fd *fakeDriver) failStatement(query string) {
	fd.lock.Lock()
	defer fd.lock.Unlock()
	fd.failOnStmt = query
}

func (fd *fakeDriver) shouldFail(nodeID, query string) bool {
	fd.lock.Lock()
	defer fd.lock.Unlock()

	if fd.failing[nodeID] {
		return true
	}

	if query != "" && query == fd.failOnStmt {
		return true
	}

	if fd.failNext[nodeID] > 0 {
		fd.failNext[nodeID]--
		return true
	}

	return false
}

func (fd *fakeDriver) Connect(ctx context.Context, node *Node) (Conn, error) {

	if fd.failConnect.Load() {
		return nil, errFakeNode
	}

	fd.dials.Inc()
	return &fakeConn{driver: fd, nodeID: node.ID}, nil
}

type fakeConn struct {
	driver *fakeDriver
	nodeID string
}

func (fc *fakeConn) Query(ctx context.Context, query string, params ...interface{}) (Rows, error) {

	fc.driver.queries.Inc()
	if fc.driver.shouldFail(fc.nodeID, query) {
		return nil, errFakeNode
	}

	return Rows{{"node": fc.nodeID, "query": query, "params": len(params)}}, nil
}

func (fc *fakeConn) Begin(ctx context.Context) (Tx, error) {
	return &fakeTx{conn: fc}, nil
}

func (fc *fakeConn) Ping(ctx context.Context) error {

	fc.driver.lock.Lock()
	failing := fc.driver.failing[fc.nodeID]
	fc.driver.lock.Unlock()

	if failing {
		return errFakeNode
	}

	return nil
}

func (fc *fakeConn) Close() error {
	fc.driver.closes.Inc()
	return nil
}

type fakeTx struct {
	conn *fakeConn
}

func (ft *fakeTx) Query(ctx context.Context, query string, params ...interface{}) (Rows, error) {
	return ft.conn.Query(ctx, query, params...)
}

func (ft *fakeTx) Commit(ctx context.Context) error {
	ft.conn.driver.commits.Inc()
	return nil
}

func (ft *fakeTx) Rollback(ctx context.Context) error {
	ft.conn.driver.rollbacks.Inc()
	return nil
}

func newTestHost(id, region string, weight uint32) *NodeHost {

	node := &Node{ID: id, Host: id, Region: region, Weight: weight, MaxSize: 10}
	return &NodeHost{
		Node:    node,
		Metrics: NewNodeMetrics(testEpoch),
		Breaker: NewCircuitBreaker(id, 10, 0),
	}
}
