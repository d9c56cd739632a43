package drivers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxDriver implements Driver over pgx's native connection pool, giving us
// automatic connection recovery and native LISTEN/NOTIFY support without a
// second dedicated listener connection string (spec §4.2).
type PgxDriver struct {
	pool *pgxpool.Pool
}

type pgxTxAdapter struct {
	tx pgx.Tx
}

type pgxRowsAdapter struct {
	rows pgx.Rows
}

func (r *pgxRowsAdapter) Next() bool                       { return r.rows.Next() }
func (r *pgxRowsAdapter) Scan(dest ...interface{}) error   { return r.rows.Scan(dest...) }
func (r *pgxRowsAdapter) Err() error                        { return r.rows.Err() }
func (r *pgxRowsAdapter) Close() error                       { r.rows.Close(); return nil }

func (tx *pgxTxAdapter) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := tx.tx.Exec(ctx, sql, args...)
	return err
}

func (tx *pgxTxAdapter) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := tx.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (tx *pgxTxAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return tx.tx.QueryRow(ctx, sql, args...)
}

// NewPgxDriver wraps an initialized *pgxpool.Pool as a Driver.
//
// Example:
//
//	config, _ := pgxpool.ParseConfig("postgres://localhost:5432/myapp")
//	pool, _ := pgxpool.NewWithConfig(context.Background(), config)
//	driver, err := drivers.NewPgxDriver(pool)
func NewPgxDriver(pool interface{}) (Driver, error) {
	if pgxPool, ok := pool.(*pgxpool.Pool); ok {
		return &PgxDriver{pool: pgxPool}, nil
	}
	return nil, errors.New("invalid pool type: expected *pgxpool.Pool")
}

func (d *PgxDriver) WithTx(ctx context.Context, fn func(tx Transaction) error) error {
	pgxTx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(&pgxTxAdapter{tx: pgxTx}); err != nil {
		return err
	}
	return pgxTx.Commit(ctx)
}

func (d *PgxDriver) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := d.pool.Exec(ctx, sql, args...)
	return err
}

func (d *PgxDriver) Query(ctx context.Context, sql string, args ...interface{}) (Rows, error) {
	rows, err := d.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRowsAdapter{rows: rows}, nil
}

func (d *PgxDriver) QueryRow(ctx context.Context, sql string, args ...interface{}) Row {
	return d.pool.QueryRow(ctx, sql, args...)
}

// AddJobWithTx accepts an external pgx transaction and wraps it in our
// Transaction interface (spec §6.4 AddJobWithTx contract).
func (d *PgxDriver) AddJobWithTx(ctx context.Context, tx interface{}) (Transaction, error) {
	if pgxTx, ok := tx.(pgx.Tx); ok {
		return &pgxTxAdapter{tx: pgxTx}, nil
	}
	return nil, errors.New("invalid transaction type: expected pgx.Tx")
}

func (d *PgxDriver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *PgxDriver) Close() error {
	d.pool.Close()
	return nil
}

// pgxListenerConn is a pool connection checked out for the exclusive use
// of the Listener (spec §4.2 step 1): it is not returned to the pool
// until Release is called, which is also the point at which pgx will
// physically close or recycle it.
type pgxListenerConn struct {
	conn *pgxpool.Conn
}

func (d *PgxDriver) AcquireListenerConn(ctx context.Context) (ListenerConn, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	return &pgxListenerConn{conn: conn}, nil
}

func (c *pgxListenerConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "LISTEN \""+channel+"\"")
	return err
}

func (c *pgxListenerConn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "UNLISTEN \""+channel+"\"")
	return err
}

func (c *pgxListenerConn) SetApplicationName(ctx context.Context, name string) error {
	_, err := c.conn.Exec(ctx, "SET application_name = $1", name)
	return err
}

func (c *pgxListenerConn) WaitForNotification(ctx context.Context, timeout time.Duration) (*Notification, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := c.conn.Conn().WaitForNotification(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			// Only our bounded wait expired, not the caller's context:
			// this is the normal "nothing happened this tick" path
			// (spec §4.2 step 4).
			return nil, nil
		}
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (c *pgxListenerConn) Release() error {
	c.conn.Release()
	return nil
}
