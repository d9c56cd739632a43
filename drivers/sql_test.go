package drivers

import (
	"context"
	"database/sql/driver"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockDriver(t *testing.T) (Driver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	driver, err := NewSQLDriver(db, "postgres://localhost/test", zap.NewNop())
	require.NoError(t, err)
	return driver, mock
}

func TestSQLDriver_Exec(t *testing.T) {
	driver, mock := newMockDriver(t)
	mock.ExpectExec("UPDATE jobs SET status = \\$1").WithArgs("p").WillReturnResult(sqlmock.NewResult(0, 1))

	err := driver.Exec(context.Background(), "UPDATE jobs SET status = $1", "p")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDriver_QueryScansRows(t *testing.T) {
	driver, mock := newMockDriver(t)
	rows := sqlmock.NewRows([]string{"id", "queue"}).
		AddRow("11111111-1111-1111-1111-111111111111", "default").
		AddRow("22222222-2222-2222-2222-222222222222", "mailers")
	mock.ExpectQuery("SELECT id, queue FROM jobs").WillReturnRows(rows)

	got, err := driver.Query(context.Background(), "SELECT id, queue FROM jobs")
	require.NoError(t, err)
	defer got.Close()

	var results []string
	for got.Next() {
		var id, queue string
		require.NoError(t, got.Scan(&id, &queue))
		results = append(results, queue)
	}
	require.NoError(t, got.Err())
	assert.Equal(t, []string{"default", "mailers"}, results)
}

func TestSQLDriver_WithTxCommitsOnSuccess(t *testing.T) {
	driver, mock := newMockDriver(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := driver.WithTx(context.Background(), func(tx Transaction) error {
		return tx.Exec(context.Background(), "INSERT INTO jobs (id) VALUES ($1)", "job-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDriver_WithTxRollsBackOnError(t *testing.T) {
	driver, mock := newMockDriver(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := assertError("body failed")
	err := driver.WithTx(context.Background(), func(tx Transaction) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDriver_Ping(t *testing.T) {
	driver, mock := newMockDriver(t)
	mock.ExpectPing()

	require.NoError(t, driver.Ping(context.Background()))
}

func TestNewSQLDriver_RejectsNilDB(t *testing.T) {
	_, err := NewSQLDriver(nil, "", nil)
	assert.Error(t, err)
}

func TestPqArrayArgs_WrapsSlicesForArrayPredicates(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	args := pqArrayArgs([]interface{}{"worker-1", ids})

	assert.Equal(t, "worker-1", args[0], "scalar args pass through unchanged")
	_, ok := args[1].(driver.Valuer)
	require.True(t, ok, "a []uuid.UUID arg must be wrapped so database/sql can convert it for = ANY($n)")
}

func TestPqArrayArgs_LeavesBytesAndScalarsUntouched(t *testing.T) {
	raw := []byte(`{"a":1}`)
	args := pqArrayArgs([]interface{}{raw, 5, nil})

	assert.Equal(t, raw, args[0], "[]byte is a jsonb/bytea payload, not an array predicate")
	assert.Equal(t, 5, args[1])
	assert.Nil(t, args[2])
}

type assertError string

func (e assertError) Error() string { return string(e) }
