package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var errFakeBackend = errors.New("fake backend unreachable")

// fakeExternal is an in-memory ExternalCache that can be switched off.
type fakeExternal struct {
	down   atomic.Bool
	closed atomic.Bool
	lock   *sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
}

func newFakeExternal() *fakeExternal {
	return &fakeExternal{
		lock: &sync.Mutex{},
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (fe *fakeExternal) Get(ctx context.Context, key string) ([]byte, bool, error) {

	if fe.down.Load() {
		return nil, false, errFakeBackend
	}

	fe.lock.Lock()
	defer fe.lock.Unlock()

	value, ok := fe.data[key]
	return value, ok, nil
}

func (fe *fakeExternal) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {

	if fe.down.Load() {
		return errFakeBackend
	}

	fe.lock.Lock()
	defer fe.lock.Unlock()

	fe.data[key] = value
	fe.ttls[key] = ttl
	return nil
}

func (fe *fakeExternal) Delete(ctx context.Context, keys ...string) error {

	if fe.down.Load() {
		return errFakeBackend
	}

	fe.lock.Lock()
	defer fe.lock.Unlock()

	for _, key := range keys {
		delete(fe.data, key)
	}
	return nil
}

func (fe *fakeExternal) Scan(ctx context.Context, prefix string) ([]string, error) {

	if fe.down.Load() {
		return nil, errFakeBackend
	}

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

func (fe *fakeExternal) Ping(ctx context.Context) error {

	if fe.down.Load() {
		return errFakeBackend
	}
	return nil
}

func (fe *fakeExternal) Close() error {
	fe.closed.Store(true)
	return nil
}

func (fe *fakeExternal) has(key string) bool {

	fe.lock.Lock()
	defer fe.lock.Unlock()

	_, ok := fe.data[key]
	return ok
}

func (fe *fakeExternal) ttl(key string) time.Duration {

	fe.lock.Lock()
	defer fe.lock.Unlock()

	return fe.ttls[key]
}
