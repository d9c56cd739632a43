// Package provider implements spec §4.3: arbitrate between listener
// hints, a known next-scheduled-job timestamp, and a polling interval,
// and drive the Reserver only when there is work and the Executor has
// free slots.
package provider

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devdicated/exekutor-go/internal/backoff"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/internal/reserver"
)

// nextJobState models next_job_scheduled_at's three-valued domain (spec
// §4.3 "State"): unknown (never asked), none (asked, nothing pending),
// or a concrete timestamp.
type nextJobState struct {
	known bool
	at    time.Time // meaningful only when known && !none
	none  bool      // with known=true: asked, nothing pending
}

var unknownNextJob = nextJobState{known: false}

func noneNextJob() nextJobState { return nextJobState{known: true, none: true} }
func atNextJob(t time.Time) nextJobState { return nextJobState{known: true, at: t} }

// Executor is the subset of internal/executor.Executor the Provider
// needs.
type Executor interface {
	AvailableSlots() int
	Post(job reserver.ReservedJob) error
	DrainPendingUpdates(ctx context.Context) error
}

// Config controls the Provider's polling behavior (spec §6.6
// `polling_interval`, `polling_jitter`).
type Config struct {
	PollingInterval time.Duration // default 60s
	PollingJitter   float64       // range [0, 0.5]; 0 disables perturbation
	QueueEmpty      func()        // spec §4.3 "queue_empty callback"

	// OnFatal, if set, is notified after the loop escalates to
	// on_fatal_error and exits (spec §5 "After 150 consecutive
	// failures... escalate... and exit").
	OnFatal func(err error)
}

// Provider arbitrates wakeups for a single worker.
type Provider struct {
	reserver *reserver.Reserver
	executor Executor
	hooks    *hooks.Registry
	logger   *zap.Logger
	cfg      Config
	rnd      *rand.Rand

	mu                sync.Mutex
	nextJob           nextJobState
	nextPollAt        *time.Time
	running           bool
	wake              chan struct{}
	consecutiveErrors int

	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New builds a Provider. rnd may be nil; tests should pass a seeded
// source for deterministic jitter. hookReg may be nil, in which case
// on_fatal_error is never invoked.
func New(rsv *reserver.Reserver, executor Executor, cfg Config, hookReg *hooks.Registry, logger *zap.Logger, rnd *rand.Rand) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 60 * time.Second
	}
	// PollingJitter is taken verbatim: 0 is a meaningful, explicit value
	// meaning "exact interval, no perturbation" (spec §4.3/§8), not a
	// missing-value sentinel. Callers that want the nominal 0.1 default
	// get it from exekutor.DefaultConfig, not from this constructor.

	p := &Provider{
		reserver: rsv,
		executor: executor,
		hooks:    hookReg,
		logger:   logger,
		cfg:      cfg,
		rnd:      rnd,
		nextJob:  unknownNextJob,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	now := time.Now()
	p.nextPollAt = &now
	return p
}

// Hint implements spec §4.3 `hint(t)`: adopt t if it is earlier than the
// known next_job_scheduled_at, or if next_job_scheduled_at is UNKNOWN and
// t is not in the future.
func (p *Provider) Hint(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.nextJob.known {
		if !t.After(time.Now()) {
			p.nextJob = atNextJob(t)
			p.signalLocked()
		}
		return
	}
	if p.nextJob.none || t.Before(p.nextJob.at) {
		p.nextJob = atNextJob(t)
		p.signalLocked()
	}
}

// RefreshFromDB forces an authoritative refresh of next_job_scheduled_at
// from the Reserver (spec §4.3 "fetch from DB" sentinel).
func (p *Provider) RefreshFromDB(ctx context.Context) error {
	t, err := p.reserver.EarliestScheduledAt(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if t == nil {
		p.nextJob = noneNextJob()
	} else {
		p.nextJob = atNextJob(*t)
	}
	p.signalLocked()
	p.mu.Unlock()
	return nil
}

// Poll implements spec §4.3 `poll()`: force next_poll_at := now and
// signal.
func (p *Provider) Poll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return errNotRunning
	}
	now := time.Now()
	p.nextPollAt = &now
	p.signalLocked()
	return nil
}

var errNotRunning = &providerError{"provider: not running"}

type providerError struct{ msg string }

func (e *providerError) Error() string { return e.msg }

func (p *Provider) signalLocked() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the main loop in a new goroutine, per spec §4.3 step 1:
// ensure DB connection, drain pending updates, re-dispatch abandoned
// jobs (the abandoned-job dispatch itself is the Worker's job on
// restart; here we only drain the executor's buffer before looping).
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	if err := p.executor.DrainPendingUpdates(ctx); err != nil {
		p.logger.Warn("provider: failed draining pending updates at startup", zap.Error(err))
	}

	go p.loop(ctx)
	return nil
}

func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.once.Do(func() { close(p.stopCh) })
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) loop(ctx context.Context) {
	defer close(p.stopped)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := p.iterate(ctx); err != nil {
			p.mu.Lock()
			p.consecutiveErrors++
			n := p.consecutiveErrors
			p.mu.Unlock()

			p.logger.Error("provider iteration failed", zap.Error(err), zap.Int("consecutive_errors", n))

			if backoff.FatalAfter(n) {
				p.logger.Error("provider exceeded consecutive failure budget, escalating fatal error", zap.Int("consecutive_errors", n))
				p.escalateFatal(ctx, errors.Wrapf(err, "provider: exceeded consecutive failure budget after %d errors", n))
				return
			}

			delay := backoff.Delay(n, p.rnd)
			select {
			case <-time.After(delay):
			case <-p.stopCh:
				return
			}
			continue
		}

		p.mu.Lock()
		p.consecutiveErrors = 0
		p.mu.Unlock()
	}
}

func (p *Provider) iterate(ctx context.Context) error {
	timeout := p.waitTimeout()

	select {
	case <-p.wake:
	case <-time.After(timeout):
	case <-p.stopCh:
		return nil
	}

	// drain any extra pending signal from a concurrent Hint/Poll so we
	// don't spin immediately on the next loop with stale state.
	select {
	case <-p.wake:
	default:
	}

	if err := p.executor.DrainPendingUpdates(ctx); err != nil {
		p.logger.Warn("provider: failed draining pending updates", zap.Error(err))
	}

	if !p.reserveJobsNow() {
		return nil
	}

	free := p.executor.AvailableSlots()
	if free == 0 {
		return nil
	}

	batch, err := p.reserver.Reserve(ctx, free)
	if err != nil {
		return err
	}

	for _, j := range batch {
		if err := p.executor.Post(j); err != nil {
			return p.releaseBatch(ctx, batch, err)
		}
	}

	if len(batch) < free {
		if err := p.RefreshFromDB(ctx); err != nil {
			return err
		}
		p.mu.Lock()
		empty := p.nextJob.known && p.nextJob.none && len(batch) == 0
		p.mu.Unlock()
		if empty && p.cfg.QueueEmpty != nil {
			p.cfg.QueueEmpty()
		}
	}

	if len(batch) > 0 {
		p.mu.Lock()
		if !p.nextJob.known {
			p.nextJob = atNextJob(time.Now())
		}
		p.mu.Unlock()
	}

	return nil
}

// escalateFatal runs on_fatal_error (spec §4.6) and, if the caller wired
// Config.OnFatal, notifies it asynchronously so the loop goroutine can
// still close p.stopped without that callback (e.g. a Worker.Kill that
// calls back into Provider.Stop) deadlocking against it.
func (p *Provider) escalateFatal(ctx context.Context, fatalErr error) {
	if p.hooks != nil {
		p.hooks.RunFatalError(ctx, p.logger, fatalErr)
	}
	if p.cfg.OnFatal != nil {
		go p.cfg.OnFatal(fatalErr)
	}
}

// releaseBatch implements spec §4.3 "If an exception occurs while
// posting, attempt to release every id in the batch back to pending...
// in one statement, then rethrow."
func (p *Provider) releaseBatch(ctx context.Context, batch []reserver.ReservedJob, cause error) error {
	ids := make([]uuid.UUID, len(batch))
	for i, j := range batch {
		ids[i] = j.ID
	}
	if err := p.reserver.Release(ctx, ids); err != nil {
		p.logger.Error("provider: failed releasing batch after post failure", zap.Error(err))
	}
	return cause
}

// waitTimeout computes spec §4.3's min(300s, until(next_poll_at),
// until(next_job_scheduled_at)), returning 300s unconditionally when no
// execution slots are free.
func (p *Provider) waitTimeout() time.Duration {
	const maxWait = 300 * time.Second

	if p.executor.AvailableSlots() == 0 {
		return maxWait
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wait := maxWait
	now := time.Now()

	if p.nextPollAt != nil {
		if d := p.nextPollAt.Sub(now); d < wait {
			wait = d
		}
	}
	if p.nextJob.known && !p.nextJob.none {
		if d := p.nextJob.at.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// reserveJobsNow implements spec §4.3 `reserve_jobs_now?`.
func (p *Provider) reserveJobsNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	if p.nextPollAt != nil && !p.nextPollAt.After(now.Add(time.Millisecond)) {
		next := nextPollTime(now, p.cfg.PollingInterval, p.cfg.PollingJitter, p.rnd)
		p.nextPollAt = &next
		return true
	}

	if p.nextJob.known && !p.nextJob.none && !p.nextJob.at.After(now) {
		return true
	}

	return false
}

func nextPollTime(now time.Time, interval time.Duration, jitterFraction float64, rnd *rand.Rand) time.Time {
	if jitterFraction <= 0 {
		return now.Add(interval)
	}
	half := jitterFraction * float64(interval) / 2
	var r float64
	if rnd != nil {
		r = rnd.Float64()*2 - 1
	} else {
		r = rand.Float64()*2 - 1
	}
	perturbation := time.Duration(r * half)
	return now.Add(interval + perturbation)
}
