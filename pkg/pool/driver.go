package pool

import "context"

// Driver opens physical connections to a node. Implementations wrap the actual data store client.
type Driver interface {
	Connect(ctx context.Context, node *Node) (Conn, error)
}

// Conn is a single physical connection to a node.
type Conn interface {
	Query(ctx context.Context, query string, params ...interface{}) (Rows, error)
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Tx is an open transaction on a Conn.
type Tx interface {
	Query(ctx context.Context, query string, params ...interface{}) (Rows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Row is a single result row keyed by column name.
type Row map[string]interface{}

// Rows is a query result.
type Rows []Row

// Statement is one query of a transaction batch.
type Statement struct {
	Query  string
	Params []interface{}
}
