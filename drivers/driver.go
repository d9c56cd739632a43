// Package drivers abstracts the two supported ways of talking to
// PostgreSQL (pgx's native pool, and database/sql+lib/pq) behind one
// interface, so the Reserver, Listener, Provider, and Executor never
// import a concrete driver package directly.
package drivers

import (
	"context"
	"time"
)

// Driver is the storage contract the core components depend on. It covers
// plain statement execution plus the one PostgreSQL-specific extra the
// spec requires: a dedicated, pool-exclusive connection for LISTEN/NOTIFY
// (spec §4.2 step 1, "Check out a DB connection from the pool and remove
// it from the pool for exclusive ownership").
type Driver interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
	WithTx(ctx context.Context, fn func(tx Transaction) error) error

	// AddJobWithTx adapts an externally-managed transaction handle
	// (pgx.Tx or *sql.Tx) into our Transaction interface, so application
	// code can enqueue a job as part of its own transaction (spec §6.4).
	AddJobWithTx(ctx context.Context, tx interface{}) (Transaction, error)

	// AcquireListenerConn checks out one connection for the exclusive use
	// of the Listener (spec §4.2). The returned ListenerConn must be
	// released exactly once.
	AcquireListenerConn(ctx context.Context) (ListenerConn, error)

	// Ping verifies the connection is currently usable; used by the
	// Executor's lost-connection probe (spec §4.4 "a fresh liveness check
	// confirms the connection is down").
	Ping(ctx context.Context) error

	Close() error
}

// Transaction is a subset of Driver usable inside a transaction body.
type Transaction interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
}

// Row/Rows (minimal required functionality, database/sql-shaped so both
// backends can satisfy it without extra adapters).
type Row interface {
	Scan(dest ...interface{}) error
}

type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

// ListenerConn is a single connection LISTENing on PostgreSQL
// notification channels (spec §4.2/§6.3). Implementations must not be
// shared across goroutines.
type ListenerConn interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error

	// SetApplicationName sets a human-readable name on the connection
	// (spec §4.2 step 2), best-effort.
	SetApplicationName(ctx context.Context, name string) error

	// WaitForNotification blocks until a notification arrives or
	// timeout elapses, returning (nil, nil) on timeout so the caller can
	// re-check its running flag (spec §4.2 step 4, "bounded timeout").
	WaitForNotification(ctx context.Context, timeout time.Duration) (*Notification, error)

	// Release returns the connection to the pool (pgx) or closes the
	// dedicated listener (lib/pq), per spec §4.2 step 5.
	Release() error
}

// Notification represents a PostgreSQL NOTIFY payload.
type Notification struct {
	Channel string
	Payload string
}
