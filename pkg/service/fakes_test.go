package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/houseofcat/turbocookedpool/pkg/pool"
)

type fakeDriver struct {
	queries atomic.Int64
}

func (fd *fakeDriver) Connect(ctx context.Context, node *pool.Node) (pool.Conn, error) {
	return &fakeConn{driver: fd, nodeID: node.ID}, nil
}

type fakeConn struct {
	driver *fakeDriver
	nodeID string
}

func (fc *fakeConn) Query(ctx context.Context, query string, params ...interface{}) (pool.Rows, error) {
	fc.driver.queries.Inc()
	return pool.Rows{{"node": fc.nodeID, "total": 42}}, nil
}

func (fc *fakeConn) Begin(ctx context.Context) (pool.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (fc *fakeConn) Ping(ctx context.Context) error { return nil }

func (fc *fakeConn) Close() error { return nil }

type fakeExternal struct {
	lock   *sync.Mutex
	data   map[string][]byte
	closed atomic.Bool
}

func newFakeExternal() *fakeExternal {
	return &fakeExternal{lock: &sync.Mutex{}, data: make(map[string][]byte)}
}

func (fe *fakeExternal) Get(ctx context.Context, key string) ([]byte, bool, error) {
	fe.lock.Lock()
	defer fe.lock.Unlock()

	value, ok := fe.data[key]
	return value, ok, nil
}

func (fe *fakeExternal) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	fe.lock.Lock()
	defer fe.lock.Unlock()

	fe.data[key] = value
	return nil
}

func (fe *fakeExternal) Delete(ctx context.Context, keys ...string) error {
	fe.lock.Lock()
	defer fe.lock.Unlock()

	for _, key := range keys {
		delete(fe.data, key)
	}
	return nil
}

func (fe *fakeExternal) Scan(ctx context.Context, prefix string) ([]string, error) {
	fe.lock.Lock()
	defer fe.lock.Unlock()

	var keys []string
	for key := range fe.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (fe *fakeExternal) Ping(ctx context.Context) error { return nil }

func (fe *fakeExternal) Close() error {
	fe.closed.Store(true)
	return nil
}
