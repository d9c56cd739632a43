package reserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exekutor "github.com/devdicated/exekutor-go"
	"github.com/devdicated/exekutor-go/drivers"
)

// fakeRows is an in-memory drivers.Rows backed by pre-baked scan funcs, so
// reserver tests never need a real database/sql.Rows.
type fakeRows struct {
	rows [][]interface{}
	i    int
}

func (r *fakeRows) Next() bool { return r.i < len(r.rows) }

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.i]
	r.i++
	for idx, d := range dest {
		switch v := d.(type) {
		case *uuid.UUID:
			*v = row[idx].(uuid.UUID)
		case *string:
			*v = row[idx].(string)
		case *json.RawMessage:
			*v = row[idx].(json.RawMessage)
		case *[]byte:
			*v = row[idx].([]byte)
		case *time.Time:
			*v = row[idx].(time.Time)
		case *int16:
			*v = row[idx].(int16)
		default:
			return errors.New("fakeRows: unsupported scan target")
		}
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

type fakeRow struct {
	scanFn func(dest ...interface{}) error
}

func (r *fakeRow) Scan(dest ...interface{}) error { return r.scanFn(dest...) }

type fakeDriver struct {
	drivers.Driver
	execFn   func(ctx context.Context, sql string, args ...interface{}) error
	queryFn  func(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...interface{}) drivers.Row
	lastSQL  string
	lastArgs []interface{}
}

func (d *fakeDriver) QueryRow(ctx context.Context, sql string, args ...interface{}) drivers.Row {
	d.lastSQL = sql
	d.lastArgs = args
	return d.queryRowFn(ctx, sql, args...)
}

func (d *fakeDriver) Exec(ctx context.Context, sql string, args ...interface{}) error {
	d.lastSQL = sql
	d.lastArgs = args
	if d.execFn != nil {
		return d.execFn(ctx, sql, args...)
	}
	return nil
}

func (d *fakeDriver) Query(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
	d.lastSQL = sql
	d.lastArgs = args
	return d.queryFn(ctx, sql, args...)
}

func TestFilter_Matches(t *testing.T) {
	minP := int16(10)
	maxP := int16(100)
	f := Filter{Queues: []string{"default", "mailers"}, MinPriority: &minP, MaxPriority: &maxP}

	assert.True(t, f.Matches("default", 50))
	assert.False(t, f.Matches("other", 50), "queue not in set")
	assert.False(t, f.Matches("default", 5), "below min priority")
	assert.False(t, f.Matches("default", 101), "above max priority")
}

func TestFilter_Matches_Unfiltered(t *testing.T) {
	var f Filter
	assert.True(t, f.Matches("anything", 1))
	assert.True(t, f.Matches("anything", 32767))
}

func TestNewQueueFilter_RejectsEmptyAndTooLong(t *testing.T) {
	_, err := NewQueueFilter([]string{""})
	assert.Error(t, err)

	long := make([]byte, exekutor.MaxQueueNameLength+1)
	_, err = NewQueueFilter([]string{string(long)})
	assert.Error(t, err)
}

func TestNewQueueFilter_Dedups(t *testing.T) {
	out, err := NewQueueFilter([]string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestReserve_BuildsFilteredStatementAndScans(t *testing.T) {
	workerID := uuid.New()
	jobID := uuid.New()
	activeJobID := uuid.New()
	scheduledAt := time.Now().Truncate(time.Second)

	enqueuedAt := scheduledAt.Add(-time.Minute)
	d := &fakeDriver{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
			return &fakeRows{rows: [][]interface{}{
				{jobID, "default", activeJobID, json.RawMessage(`{"job_class":"Noop","args":{}}`), []byte(nil), int16(5), scheduledAt, enqueuedAt},
			}}, nil
		},
	}

	minP := int16(1)
	r := New(d, workerID, Filter{Queues: []string{"default"}, MinPriority: &minP})

	jobs, err := r.Reserve(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
	assert.Equal(t, "default", jobs[0].Queue)
	assert.Equal(t, activeJobID, jobs[0].ActiveJobID)
	assert.Equal(t, int16(5), jobs[0].Priority)
	assert.Equal(t, scheduledAt, jobs[0].ScheduledAt)
	assert.Equal(t, enqueuedAt, jobs[0].EnqueuedAt)

	assert.Contains(t, d.lastSQL, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, d.lastSQL, "AND queue = $3")
	assert.Contains(t, d.lastSQL, "AND priority >= $4")
}

func TestReserve_SortsByPriorityBeforeScheduledAt(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	lowPriorityLateSchedule := uuid.New()  // priority=5, scheduled later
	highPriorityEarlySchedule := uuid.New() // priority=1, scheduled earliest

	d := &fakeDriver{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
			// Rows arrive correctly ordered by the SQL itself; this
			// test only needs to prove the defensive in-memory sort
			// preserves that order rather than re-ranking by
			// scheduled_at alone.
			return &fakeRows{rows: [][]interface{}{
				{highPriorityEarlySchedule, "default", uuid.New(), json.RawMessage(`{}`), []byte(nil), int16(1), now.Add(50 * time.Second), now},
				{lowPriorityLateSchedule, "default", uuid.New(), json.RawMessage(`{}`), []byte(nil), int16(5), now, now},
			}}, nil
		},
	}

	r := New(d, uuid.New(), Filter{})
	jobs, err := r.Reserve(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, highPriorityEarlySchedule, jobs[0].ID, "lower priority value must sort first even when scheduled later")
	assert.Equal(t, lowPriorityLateSchedule, jobs[1].ID)
}

func TestReserve_RejectsNonPositiveLimit(t *testing.T) {
	r := New(&fakeDriver{}, uuid.New(), Filter{})
	_, err := r.Reserve(context.Background(), 0)
	assert.Error(t, err)
}

func TestReserve_UnmarshalsOptions(t *testing.T) {
	jobID := uuid.New()
	opts := exekutor.Options{}
	timeout := 30.0
	opts.ExecutionTimeout = &timeout
	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)

	d := &fakeDriver{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
			return &fakeRows{rows: [][]interface{}{
				{jobID, "default", uuid.New(), json.RawMessage(`{}`), optsJSON, int16(0), time.Now(), time.Now()},
			}}, nil
		},
	}

	r := New(d, uuid.New(), Filter{})
	jobs, err := r.Reserve(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].Options.ExecutionTimeout)
	assert.Equal(t, 30.0, *jobs[0].Options.ExecutionTimeout)
}

func TestRelease_NoopOnEmpty(t *testing.T) {
	d := &fakeDriver{}
	r := New(d, uuid.New(), Filter{})
	require.NoError(t, r.Release(context.Background(), nil))
	assert.Empty(t, d.lastSQL, "no statement should be issued for an empty batch")
}

func TestRelease_IssuesUpdate(t *testing.T) {
	d := &fakeDriver{}
	r := New(d, uuid.New(), Filter{})
	err := r.Release(context.Background(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Contains(t, d.lastSQL, "SET status = 'p'")
}

func TestAbandoned_ExcludesActiveIDs(t *testing.T) {
	workerID := uuid.New()
	jobID := uuid.New()

	d := &fakeDriver{
		queryFn: func(ctx context.Context, sql string, args ...interface{}) (drivers.Rows, error) {
			return &fakeRows{rows: [][]interface{}{
				{jobID, "default", uuid.New(), json.RawMessage(`{}`), []byte(nil), int16(0), time.Now(), time.Now()},
			}}, nil
		},
	}

	r := New(d, workerID, Filter{})
	jobs, err := r.Abandoned(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)
}

func TestEarliestScheduledAt_NoneFound(t *testing.T) {
	d := &fakeDriver{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) drivers.Row {
			return &fakeRow{scanFn: func(dest ...interface{}) error {
				*dest[0].(**time.Time) = nil
				return nil
			}}
		},
	}
	r := New(d, uuid.New(), Filter{})
	got, err := r.EarliestScheduledAt(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEarliestScheduledAt_Found(t *testing.T) {
	want := time.Now().Truncate(time.Second)
	d := &fakeDriver{
		queryRowFn: func(ctx context.Context, sql string, args ...interface{}) drivers.Row {
			return &fakeRow{scanFn: func(dest ...interface{}) error {
				*dest[0].(**time.Time) = &want
				return nil
			}}
		},
	}
	r := New(d, uuid.New(), Filter{})
	got, err := r.EarliestScheduledAt(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}
