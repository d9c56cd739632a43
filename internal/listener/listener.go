// Package listener implements spec §4.2: translate PostgreSQL
// notifications into Provider wakeups at near-zero latency, using one
// dedicated connection checked out of the pool for the listener's
// exclusive ownership (the pattern que.go uses for its advisory-lock
// connection, generalized here to a LISTEN/NOTIFY connection instead of
// a locked row).
package listener

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devdicated/exekutor-go/drivers"
	"github.com/devdicated/exekutor-go/internal/backoff"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/internal/reserver"
	"github.com/devdicated/exekutor-go/internal/schema"
)

// State is the Listener's lifecycle state (spec §4.2 "pending → started →
// {stopped | crashed}").
type State int32

const (
	StatePending State = iota
	StateStarted
	StateStopped
	StateCrashed
)

// WaitTimeout bounds each WaitForNotification call (spec §4.2 step 4,
// "default 100s").
const WaitTimeout = 100 * time.Second

// Hint receives a timestamp from a parsed notification payload, or is
// called with the DB-fetch sentinel by nothing in this package (that
// sentinel is Provider-internal); see internal/provider.
type Hinter interface {
	Hint(t time.Time)
}

// Listener owns one dedicated connection and relays jobs_enqueued /
// worker::<id> notifications to a Provider.
type Listener struct {
	driver   drivers.Driver
	workerID string
	filter   reserver.Filter
	provider Hinter
	hooks    *hooks.Registry
	onFatal  func(err error)
	logger   *zap.Logger

	// appName, if non-empty, is set on the dedicated connection (spec
	// §4.2 step 2).
	appName string

	// burst smoothing so a thundering herd of enqueue notifications
	// (e.g. a bulk insert) doesn't call Hint for every single row; the
	// first of a burst still wakes the Provider immediately.
	limiter *rate.Limiter

	state   atomic.Int32
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once

	rnd *rand.Rand
}

// New builds a Listener for one worker. rnd may be nil (uses the default
// math/rand source); tests pass a seeded source for deterministic
// back-off delays. hookReg may be nil, in which case on_fatal_error is
// never invoked; onFatal may be nil when the caller has no use for the
// escalation signal.
func New(driver drivers.Driver, workerID string, filter reserver.Filter, provider Hinter, hookReg *hooks.Registry, onFatal func(err error), logger *zap.Logger, rnd *rand.Rand) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Listener{
		driver:   driver,
		workerID: workerID,
		filter:   filter,
		provider: provider,
		hooks:    hookReg,
		onFatal:  onFatal,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		rnd:      rnd,
	}
	l.state.Store(int32(StatePending))
	return l
}

// escalateFatal runs on_fatal_error (spec §4.6) and, if the caller wired
// an escalation callback, notifies it asynchronously so the listener's
// own loop goroutine can still close l.stopped without the callback
// (e.g. a Worker.Kill that calls back into Listener.Stop) deadlocking
// against it.
func (l *Listener) escalateFatal(ctx context.Context, fatalErr error) {
	if l.hooks != nil {
		l.hooks.RunFatalError(ctx, l.logger, fatalErr)
	}
	if l.onFatal != nil {
		go l.onFatal(fatalErr)
	}
}

// SetApplicationName configures the human-readable name set on the
// dedicated connection (spec §4.2 step 2).
func (l *Listener) SetApplicationName(name string) { l.appName = name }

func (l *Listener) State() State { return State(l.state.Load()) }

// Start runs the listener loop in a new goroutine and returns once the
// first LISTEN has been issued (or the attempt has failed).
func (l *Listener) Start(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StatePending), int32(StateStarted)) {
		return nil // idempotent restart is handled by the internal run loop
	}

	ready := make(chan error, 1)
	go l.run(ctx, ready)
	return <-ready
}

// Stop signals the loop to exit and blocks until it has (spec §4.2
// "sending a notification unblocks the listener's wait").
func (l *Listener) Stop(ctx context.Context) error {
	l.once.Do(func() { close(l.stopCh) })

	// Nudge the connection out of its blocking wait via the worker's own
	// control channel, best-effort.
	_ = l.driver.Exec(ctx, "SELECT pg_notify($1, '')", schema.ChannelWorkerPrefix+l.workerID)

	select {
	case <-l.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) run(parent context.Context, ready chan<- error) {
	defer close(l.stopped)

	consecutiveErrors := 0

	for {
		select {
		case <-l.stopCh:
			l.state.Store(int32(StateStopped))
			if ready != nil {
				ready <- nil
				ready = nil
			}
			return
		default:
		}

		err := l.runOnce(parent, ready)
		ready = nil // the first attempt, regardless of outcome, satisfies Start()

		if err == nil {
			l.state.Store(int32(StateStopped))
			return // clean shutdown requested mid-loop
		}

		consecutiveErrors++
		l.logger.Error("listener loop failed, scheduling restart",
			zap.Error(err), zap.Int("consecutive_errors", consecutiveErrors))

		if backoff.FatalAfter(consecutiveErrors) {
			l.state.Store(int32(StateCrashed))
			l.logger.Error("listener exceeded consecutive failure budget, escalating fatal error",
				zap.Int("consecutive_errors", consecutiveErrors))
			l.escalateFatal(parent, fmt.Errorf("listener: exceeded consecutive failure budget after %d errors: %w", consecutiveErrors, err))
			return
		}

		delay := backoff.Delay(consecutiveErrors, l.rnd)
		select {
		case <-time.After(delay):
		case <-l.stopCh:
			l.state.Store(int32(StateStopped))
			return
		}
	}
}

// runOnce checks out a connection, LISTENs on both channels, and services
// notifications until stopped or an error occurs.
func (l *Listener) runOnce(ctx context.Context, ready chan<- error) error {
	conn, err := l.driver.AcquireListenerConn(ctx)
	if err != nil {
		if ready != nil {
			ready <- err
		}
		return err
	}
	defer conn.Release()

	if l.appName != "" {
		_ = conn.SetApplicationName(ctx, l.appName)
	}

	workerChannel := schema.ChannelWorkerPrefix + l.workerID
	if err := conn.Listen(ctx, schema.ChannelJobsEnqueued); err != nil {
		if ready != nil {
			ready <- err
		}
		return err
	}
	if err := conn.Listen(ctx, workerChannel); err != nil {
		if ready != nil {
			ready <- err
		}
		return err
	}
	defer conn.Unlisten(ctx, schema.ChannelJobsEnqueued)
	defer conn.Unlisten(ctx, workerChannel)

	if ready != nil {
		ready <- nil
	}

	for {
		select {
		case <-l.stopCh:
			return nil
		default:
		}

		n, err := conn.WaitForNotification(ctx, WaitTimeout)
		if err != nil {
			return err
		}
		if n == nil {
			continue // bounded-timeout tick, re-check running flag
		}

		if n.Channel == workerChannel {
			return nil // control-channel wakeup: treat as a shutdown marker
		}

		l.handleJobsEnqueued(n.Payload)
	}
}

func (l *Listener) handleJobsEnqueued(payload string) {
	parsed, err := parsePayload(payload)
	if err != nil {
		l.logger.Error("listener: dropping malformed notification payload",
			zap.String("payload", payload), zap.Error(err))
		return
	}

	if !l.filter.Matches(parsed.Queue, parsed.Priority) {
		return
	}

	if !l.limiter.Allow() {
		return
	}

	l.provider.Hint(parsed.ScheduledAt)
}

type parsedNotification struct {
	ID          string
	Queue       string
	Priority    int16
	ScheduledAt time.Time
}

// parsePayload implements spec §4.2 "Parser (notification payload)":
// split on ';', each part on the first ':', require id/q/p/t all
// non-empty, t parses as float epoch seconds.
func parsePayload(payload string) (parsedNotification, error) {
	fields := make(map[string]string, 4)
	for _, part := range strings.Split(payload, ";") {
		idx := strings.Index(part, ":")
		if idx < 0 {
			return parsedNotification{}, fmt.Errorf("listener: malformed field %q", part)
		}
		key := part[:idx]
		val := part[idx+1:]
		fields[key] = val
	}

	id, q, p, t := fields["id"], fields["q"], fields["p"], fields["t"]
	if id == "" || q == "" || p == "" || t == "" {
		return parsedNotification{}, fmt.Errorf("listener: missing required field in payload %q", payload)
	}

	priority, err := strconv.ParseInt(p, 10, 16)
	if err != nil {
		return parsedNotification{}, fmt.Errorf("listener: invalid priority %q: %w", p, err)
	}

	epoch, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return parsedNotification{}, fmt.Errorf("listener: invalid timestamp %q: %w", t, err)
	}

	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))

	return parsedNotification{
		ID:          id,
		Queue:       q,
		Priority:    int16(priority),
		ScheduledAt: time.Unix(sec, nsec).UTC(),
	}, nil
}
