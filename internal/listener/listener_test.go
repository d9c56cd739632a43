package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/internal/reserver"
)

func TestParsePayload_Valid(t *testing.T) {
	got, err := parsePayload("id:123;q:default;p:100;t:1700000000.5")
	require.NoError(t, err)
	assert.Equal(t, "123", got.ID)
	assert.Equal(t, "default", got.Queue)
	assert.Equal(t, int16(100), got.Priority)
	assert.Equal(t, int64(1700000000), got.ScheduledAt.Unix())
}

func TestParsePayload_MissingField(t *testing.T) {
	_, err := parsePayload("id:123;q:default;p:100")
	assert.Error(t, err)
}

func TestParsePayload_MalformedField(t *testing.T) {
	_, err := parsePayload("id123;q:default;p:100;t:1")
	assert.Error(t, err)
}

func TestParsePayload_InvalidPriority(t *testing.T) {
	_, err := parsePayload("id:1;q:default;p:not-a-number;t:1")
	assert.Error(t, err)
}

// recordingHinter pins the spec §9 Open Question decision: a notification
// for an out-of-filter priority never reaches the Provider.
type recordingHinter struct {
	hints []time.Time
}

func (h *recordingHinter) Hint(t time.Time) { h.hints = append(h.hints, t) }

func TestHandleJobsEnqueued_DropsOutOfFilterPriority(t *testing.T) {
	minP := int16(100)
	h := &recordingHinter{}
	l := New(nil, "worker-1", reserver.Filter{MinPriority: &minP}, h, nil, nil, nil, nil)

	l.handleJobsEnqueued("id:1;q:default;p:10;t:1")

	assert.Empty(t, h.hints, "priority 10 is below the worker's min_priority of 100")
}

func TestHandleJobsEnqueued_DropsWrongQueue(t *testing.T) {
	h := &recordingHinter{}
	l := New(nil, "worker-1", reserver.Filter{Queues: []string{"mailers"}}, h, nil, nil, nil, nil)

	l.handleJobsEnqueued("id:1;q:default;p:100;t:1")

	assert.Empty(t, h.hints)
}

func TestHandleJobsEnqueued_HintsOnMatch(t *testing.T) {
	h := &recordingHinter{}
	l := New(nil, "worker-1", reserver.Filter{}, h, nil, nil, nil, nil)

	l.handleJobsEnqueued("id:1;q:default;p:100;t:1")

	require.Len(t, h.hints, 1)
}

func TestHandleJobsEnqueued_DropsMalformedPayloadWithoutPanicking(t *testing.T) {
	h := &recordingHinter{}
	l := New(nil, "worker-1", reserver.Filter{}, h, nil, nil, nil, nil)

	assert.NotPanics(t, func() {
		l.handleJobsEnqueued("garbage")
	})
	assert.Empty(t, h.hints)
}

func TestState_StartsPending(t *testing.T) {
	l := New(nil, "worker-1", reserver.Filter{}, &recordingHinter{}, nil, nil, nil, nil)
	assert.Equal(t, StatePending, l.State())
}

func TestEscalateFatal_RunsHookAndOnFatalCallback(t *testing.T) {
	var hookCalled error
	reg := hooks.New()
	reg.OnFatalError(func(ctx context.Context, err error) { hookCalled = err })

	done := make(chan error, 1)
	l := New(nil, "worker-1", reserver.Filter{}, &recordingHinter{}, reg, func(err error) { done <- err }, nil, nil)

	boom := fmtError("loop exploded")
	l.escalateFatal(context.Background(), boom)

	select {
	case got := <-done:
		assert.ErrorIs(t, got, boom)
	case <-time.After(time.Second):
		t.Fatal("onFatal callback was not invoked")
	}
	assert.ErrorIs(t, hookCalled, boom)
}

type fmtError string

func (e fmtError) Error() string { return string(e) }
