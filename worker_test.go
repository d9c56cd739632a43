package exekutor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdicated/exekutor-go/drivers"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/jobrunner"
)

type workerStatement struct {
	sql  string
	args []interface{}
}

type emptyRows struct{}

func (emptyRows) Next() bool                     { return false }
func (emptyRows) Scan(dest ...interface{}) error { return nil }
func (emptyRows) Err() error                     { return nil }
func (emptyRows) Close() error                   { return nil }

type nilRow struct{}

func (nilRow) Scan(dest ...interface{}) error {
	if len(dest) > 0 {
		if p, ok := dest[0].(**time.Time); ok {
			*p = nil
		}
	}
	return nil
}

// fakeWorkerDriver is a minimal drivers.Driver good enough to drive a
// Worker's full Start/Stop lifecycle with the Listener disabled: every job
// table query returns no rows, so the Reserver/Provider never have
// anything to reserve.
type fakeWorkerDriver struct {
	drivers.Driver
	mu    sync.Mutex
	execs []workerStatement
}

func (d *fakeWorkerDriver) Exec(ctx context.Context, sql string, args ...interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, workerStatement{sql, args})
	return nil
}

func (d *fakeWorkerDriver) Query(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
	return emptyRows{}, nil
}

func (d *fakeWorkerDriver) QueryRow(ctx context.Context, sql string, args ...interface{}) drivers.Row {
	return nilRow{}
}

func (d *fakeWorkerDriver) Ping(ctx context.Context) error { return nil }

func (d *fakeWorkerDriver) sqlContaining(needle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.execs {
		if strings.Contains(s.sql, needle) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableListener = false // no real DB to LISTEN against in tests
	cfg.PollingInterval = time.Hour
	return cfg
}

func TestNewWorker_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxThreads = 0
	_, err := NewWorker(&fakeWorkerDriver{}, cfg, jobrunner.NewRegistry(), nil, nil)
	assert.Error(t, err)
}

func TestWorker_StartIsIdempotent(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background())) // second call is a no-op

	assert.True(t, d.sqlContaining("INSERT INTO workers"))

	require.NoError(t, w.Stop(context.Background()))
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background())) // second call is a no-op

	assert.True(t, d.sqlContaining("DELETE FROM workers"))
}

func TestWorker_JoinUnblocksAfterStop(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		_ = w.Join(context.Background())
		close(done)
	}()

	require.NoError(t, w.Stop(context.Background()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Join did not unblock after Stop")
	}
}

func TestWorker_KillSkipsShutdownHooksAndDeletesRecord(t *testing.T) {
	d := &fakeWorkerDriver{}
	reg := hooks.New()
	shutdownHookRan := false
	reg.OnBeforeShutdown(func(ctx context.Context) error { shutdownHookRan = true; return nil })
	reg.OnAfterShutdown(func(ctx context.Context) error { shutdownHookRan = true; return nil })
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), reg, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Kill(context.Background())

	assert.True(t, d.sqlContaining("DELETE FROM workers"))
	assert.False(t, shutdownHookRan, "Kill must not run shutdown hooks")
}

func TestWorker_HeartbeatCoarsening(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)

	w.heartbeat(context.Background())
	after := len(d.execs)
	require.True(t, after > 0)

	w.heartbeat(context.Background()) // within the same minute: no-op
	assert.Equal(t, after, len(d.execs))
}

func TestWorker_OnFatalMarksCrashedAndKills(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.onFatal(assert.AnError)

	assert.True(t, d.sqlContaining("UPDATE workers"), "worker status should be written as crashed before the record is deleted")
	assert.True(t, d.sqlContaining("DELETE FROM workers"), "Kill must still delete the worker record")
	assert.Equal(t, int32(lifecycleKilled), w.state.Load())
}

func TestWorker_OnAfterExecuteBeforeStartDoesNotPanic(t *testing.T) {
	d := &fakeWorkerDriver{}
	w, err := NewWorker(d, testConfig(), jobrunner.NewRegistry(), nil, nil)
	require.NoError(t, err)

	// not started yet: Poll would error, but onAfterExecute must not panic
	assert.NotPanics(t, func() {
		w.onAfterExecute(uuid.New())
	})
}
