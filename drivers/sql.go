package drivers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SQLDriver implements Driver over database/sql, using lib/pq both as the
// sql.DB driver and for its pq.Listener (database/sql has no native
// LISTEN/NOTIFY wait primitive).
type SQLDriver struct {
	db      *sql.DB
	connStr string
	logger  *zap.Logger
}

type sqlTxAdapter struct {
	tx *sql.Tx
}

type sqlRowsAdapter struct {
	rows *sql.Rows
}

func (r *sqlRowsAdapter) Next() bool                     { return r.rows.Next() }
func (r *sqlRowsAdapter) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }
func (r *sqlRowsAdapter) Err() error                       { return r.rows.Err() }
func (r *sqlRowsAdapter) Close() error                     { return r.rows.Close() }

func (tx *sqlTxAdapter) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := tx.tx.ExecContext(ctx, sql, pqArrayArgs(args)...)
	return err
}

func (tx *sqlTxAdapter) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.QueryContext(ctx, sql, pqArrayArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (tx *sqlTxAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return tx.tx.QueryRowContext(ctx, sql, pqArrayArgs(args)...)
}

// NewSQLDriver wraps an initialized *sql.DB as a Driver. connStr is kept
// around only to hand to lib/pq's own listener connection (spec §4.2 needs
// a connection outside the pool); it is never otherwise used.
//
// Example:
//
//	db, _ := sql.Open("postgres", "postgres://localhost:5432/myapp")
//	driver, err := drivers.NewSQLDriver(db, "postgres://localhost:5432/myapp", logger)
func NewSQLDriver(db *sql.DB, connStr string, logger *zap.Logger) (Driver, error) {
	if db == nil {
		return nil, errors.New("nil database connection")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLDriver{db: db, connStr: connStr, logger: logger}, nil
}

func (d *SQLDriver) WithTx(ctx context.Context, fn func(tx Transaction) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := fn(&sqlTxAdapter{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (d *SQLDriver) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := d.db.ExecContext(ctx, sql, pqArrayArgs(args)...)
	return err
}

func (d *SQLDriver) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := d.db.QueryContext(ctx, sql, pqArrayArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &sqlRowsAdapter{rows: rows}, nil
}

func (d *SQLDriver) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return d.db.QueryRowContext(ctx, sql, pqArrayArgs(args)...)
}

// pqArrayArgs wraps slice-typed arguments (e.g. []uuid.UUID, []string, for
// `= ANY($n)` predicates) in pq.Array, since database/sql's default driver
// value converter only handles basic scalar kinds and []byte -- unlike
// pgx, which encodes Go slices as Postgres arrays natively. Non-slice and
// []byte arguments pass through unchanged.
func pqArrayArgs(args []interface{}) []interface{} {
	wrapped := make([]interface{}, len(args))
	for i, a := range args {
		if _, ok := a.([]byte); ok {
			wrapped[i] = a
			continue
		}
		switch reflect.ValueOf(a).Kind() {
		case reflect.Slice, reflect.Array:
			wrapped[i] = pq.Array(a)
		default:
			wrapped[i] = a
		}
	}
	return wrapped
}

// AddJobWithTx accepts an external database/sql transaction and wraps it
// in our Transaction interface (spec §6.4).
func (d *SQLDriver) AddJobWithTx(ctx context.Context, tx interface{}) (Transaction, error) {
	if sqlTx, ok := tx.(*sql.Tx); ok {
		return &sqlTxAdapter{tx: sqlTx}, nil
	}
	return nil, errors.New("invalid transaction type: expected *sql.Tx")
}

func (d *SQLDriver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDriver) Close() error {
	return d.db.Close()
}

// sqlListenerConn wraps a pq.Listener as the Listener's dedicated
// connection. Unlike the pgx backend this isn't a pool connection at all
// -- lib/pq opens a side connection purely for LISTEN/NOTIFY -- but it
// fulfills the same "exclusive ownership" contract (spec §4.2 step 1).
type sqlListenerConn struct {
	listener *pq.Listener
	channels map[string]bool
}

func (d *SQLDriver) AcquireListenerConn(ctx context.Context) (ListenerConn, error) {
	logger := d.logger
	listener := pq.NewListener(d.connStr,
		10*time.Second, // min reconnect interval
		time.Minute,    // max reconnect interval
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("pq listener event", zap.Error(err), zap.Int("event", int(ev)))
			}
		})
	if err := listener.Ping(); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to establish listener connection: %w", err)
	}
	return &sqlListenerConn{listener: listener, channels: map[string]bool{}}, nil
}

func (c *sqlListenerConn) Listen(ctx context.Context, channel string) error {
	if err := c.listener.Listen(channel); err != nil {
		return err
	}
	c.channels[channel] = true
	return nil
}

func (c *sqlListenerConn) Unlisten(ctx context.Context, channel string) error {
	if !c.channels[channel] {
		return nil
	}
	delete(c.channels, channel)
	return c.listener.Unlisten(channel)
}

// SetApplicationName is a no-op for lib/pq: the listener connection is
// established from a DSN, with no exec hook to set it post-connect
// without disturbing the listen state.
func (c *sqlListenerConn) SetApplicationName(ctx context.Context, name string) error {
	return nil
}

func (c *sqlListenerConn) WaitForNotification(ctx context.Context, timeout time.Duration) (*Notification, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case notification := <-c.listener.Notify:
		if notification == nil {
			// pq sends a nil notification after it silently reconnects;
			// treat it like a timeout tick rather than an error.
			return nil, nil
		}
		return &Notification{Channel: notification.Channel, Payload: notification.Extra}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sqlListenerConn) Release() error {
	return c.listener.Close()
}
