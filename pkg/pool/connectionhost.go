package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ConnectionHost is an internal representation of a physical node connection.
type ConnectionHost struct {
	Conn         Conn
	ConnectionID string
	NodeID       string
	CreatedAt    time.Time
	leased       atomic.Bool
	flagged      atomic.Bool
}

// NewConnectionHost dials the node and wraps the connection for pool management.
func NewConnectionHost(ctx context.Context, driver Driver, node *Node, now time.Time) (*ConnectionHost, error) {

	conn, err := driver.Connect(ctx, node)
	if err != nil {
		return nil, &NodeQueryError{NodeID: node.ID, Err: err}
	}

	return &ConnectionHost{
		Conn:         conn,
		ConnectionID: uuid.New().String(),
		NodeID:       node.ID,
		CreatedAt:    now,
	}, nil
}

// Flag marks the connection as non-usable; it is closed instead of being reused.
func (ch *ConnectionHost) Flag() {
	ch.flagged.Store(true)
}

// IsFlagged reports whether the connection has been flagged for removal.
func (ch *ConnectionHost) IsFlagged() bool {
	return ch.flagged.Load()
}

func (ch *ConnectionHost) lease() bool {
	return ch.leased.CompareAndSwap(false, true)
}

func (ch *ConnectionHost) unlease() bool {
	return ch.leased.CompareAndSwap(true, false)
}

// Close closes the physical connection, absorbing panics from misbehaving drivers.
func (ch *ConnectionHost) Close() (err error) {
	defer func() { _ = recover() }()

	return ch.Conn.Close()
}
