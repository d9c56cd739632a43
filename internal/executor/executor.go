// Package executor implements spec §4.4: run jobs on a bounded pool with
// a bounded backlog, persist outcomes, and survive transient DB loss
// without losing completion semantics. The pool (one goroutine per
// in-flight job, capped by a semaphore) is grounded on the teacher's
// worker-pool-via-goroutines style in swig.go's startWorker, generalized
// here into a reusable semaphore-gated pool per
// golang.org/x/sync/semaphore. There is no backlog queue: a job posted
// while every slot is taken is released back to pending.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	exekutor "github.com/devdicated/exekutor-go"
	"github.com/devdicated/exekutor-go/drivers"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/internal/reserver"
	"github.com/devdicated/exekutor-go/jobrunner"
	"github.com/devdicated/exekutor-go/pkg/id"
)

// ErrDiscardQueueTimeExpired and ErrExecutionTimeout are the two discard
// signals from spec §4.4 step 4/5. They are distinct types so a user's
// own error-handling code cannot accidentally treat them as ordinary
// job failures (spec §5 "a type not caught by normal user error
// handlers").
type discardSignal struct{ reason string }

func (d *discardSignal) Error() string { return d.reason }

var ErrDiscardQueueTimeExpired = &discardSignal{"Maximum queue time expired."}

type executionTimeoutSignal struct{}

func (executionTimeoutSignal) Error() string { return "job execution timed out" }

// ErrExecutionTimeout is raised when a job's execution_timeout deadline
// expires.
var ErrExecutionTimeout error = executionTimeoutSignal{}

// Config controls pool sizing and outcome persistence (spec §6.6
// `min_threads`, `max_threads`, `max_thread_idletime`,
// `delete_{completed,discarded,failed}_jobs`).
type Config struct {
	MinThreads          int
	MaxThreads          int
	MaxThreadIdleTime   time.Duration
	DeleteCompletedJobs bool
	DeleteDiscardedJobs bool
	DeleteFailedJobs    bool
}

// pendingUpdate is either an attribute map or the "destroy" sentinel
// (spec §4.4 "Lost-connection policy"). A later update for the same job
// replaces the buffered attribute map rather than merging with it; a
// buffered destroy is never replaced.
type pendingUpdate struct {
	destroy bool
	attrs   map[string]interface{}
}

// Executor runs reserved jobs against a jobrunner.Registry.
type Executor struct {
	driver   drivers.Driver
	runners  *jobrunner.Registry
	hookReg  *hooks.Registry
	logger   *zap.Logger
	cfg      Config

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingUpdate

	killed bool
	mu     sync.Mutex

	// onAfterExecute is the spec §9 "Cyclic references" escape hatch:
	// rather than the Executor holding a pointer back to its owning
	// Provider/Worker, it calls this injected callback after every job
	// (success or not) so the Worker can heartbeat and poll the
	// Provider.
	onAfterExecute func(jobID uuid.UUID)
}

// SetAfterExecute installs the post-execution callback (spec §9).
func (e *Executor) SetAfterExecute(fn func(jobID uuid.UUID)) {
	e.onAfterExecute = fn
}

// New builds an Executor bound to a job-runner registry.
func New(driver drivers.Driver, runners *jobrunner.Registry, hookReg *hooks.Registry, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1
	}
	if hookReg == nil {
		hookReg = hooks.New()
	}
	return &Executor{
		driver:  driver,
		runners: runners,
		hookReg: hookReg,
		logger:  logger,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxThreads)),
		active:  make(map[uuid.UUID]struct{}),
		pending: make(map[uuid.UUID]*pendingUpdate),
	}
}

// AvailableSlots implements spec §4.4 "available_slots() = free +
// not-yet-created", which for a semaphore-gated pool of fixed MaxThreads
// collapses to "currently unused weight."
func (e *Executor) AvailableSlots() int {
	e.mu.Lock()
	killed := e.killed
	e.mu.Unlock()
	if killed {
		return 0
	}
	e.activeMu.Lock()
	inFlight := len(e.active)
	e.activeMu.Unlock()
	free := e.cfg.MaxThreads - inFlight
	if free < 0 {
		free = 0
	}
	return free
}

// Post implements spec §4.4 `post(job)`.
func (e *Executor) Post(job reserver.ReservedJob) error {
	e.mu.Lock()
	if e.killed {
		e.mu.Unlock()
		return errors.New("executor: killed")
	}
	e.mu.Unlock()

	if !e.sem.TryAcquire(1) {
		e.logger.Warn("executor: out of threads, releasing job back to pending", zap.String("job_id", job.ID.String()))
		if err := e.driver.Exec(context.Background(),
			`UPDATE jobs SET status = 'p', worker_id = NULL WHERE id = $1`, job.ID); err != nil {
			return errors.Wrap(err, "executor: failed releasing job after pool rejection")
		}
		return nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.run(job)
	}()
	return nil
}

// run is the per-job execution pipeline, spec §4.4 steps 1-10.
func (e *Executor) run(j reserver.ReservedJob) {
	ctx := context.Background()
	jobID := j.ID.String()

	e.activeMu.Lock()
	e.active[j.ID] = struct{}{}
	e.activeMu.Unlock()
	defer func() {
		e.activeMu.Lock()
		delete(e.active, j.ID)
		e.activeMu.Unlock()
	}()

	start := time.Now()

	err := e.hookReg.RunJobExecution(ctx, e.logger, jobID, func(ctx context.Context) error {
		return e.execute(ctx, j)
	})

	runtime := time.Since(start)

	switch {
	case err == nil:
		e.onSuccess(ctx, j, runtime)
	case isDiscardSignal(err):
		e.onDiscard(ctx, j, err)
	case errors.Is(err, hooks.ErrMissingYield):
		e.onUnrecoverable(ctx, j, err)
	default:
		e.onFailure(ctx, j, err)
	}

	if e.onAfterExecute != nil {
		e.onAfterExecute(j.ID)
	}
}

func isDiscardSignal(err error) bool {
	if err == ErrDiscardQueueTimeExpired {
		return true
	}
	_, isTimeout := err.(executionTimeoutSignal)
	return isTimeout
}

// execute implements steps 4-5: the queue-time check and the timed
// execution of the user payload.
func (e *Executor) execute(ctx context.Context, j reserver.ReservedJob) error {
	if j.Options.StartExecutionBefore != nil {
		deadline := time.Unix(*j.Options.StartExecutionBefore, 0)
		if !deadline.After(time.Now()) {
			return ErrDiscardQueueTimeExpired
		}
	}

	runner, args, ok := e.lookupRunner(j.Payload)
	if !ok {
		return errors.Newf("executor: no runner registered for job kind in payload of job %s", j.ID)
	}

	info := jobrunner.Info{
		ID:          j.ID,
		Kind:        runner.Kind(),
		Queue:       j.Queue,
		ActiveJobID: j.ActiveJobID,
		ScheduledAt: j.ScheduledAt,
	}

	if j.Options.ExecutionTimeout == nil {
		return runner.Run(ctx, info, args)
	}

	timeout := time.Duration(*j.Options.ExecutionTimeout * float64(time.Second))
	timedCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- runner.Run(timedCtx, info, args)
	}()

	select {
	case err := <-resultCh:
		return err
	case <-timedCtx.Done():
		return ErrExecutionTimeout
	}
}

// envelope is the minimal shape the executor needs to dispatch to a
// jobrunner.JobRunner; the application payload carries its own kind tag
// alongside whatever fields the runner wants (ActiveJob-style
// serialization).
type envelope struct {
	JobClass string          `json:"job_class"`
	Args     json.RawMessage `json:"args"`
}

func (e *Executor) lookupRunner(payload json.RawMessage) (jobrunner.JobRunner, json.RawMessage, bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.JobClass == "" {
		return nil, nil, false
	}
	runner, ok := e.runners.Lookup(env.JobClass)
	if !ok {
		return nil, nil, false
	}
	return runner, env.Args, true
}

func (e *Executor) onSuccess(ctx context.Context, j reserver.ReservedJob, runtime time.Duration) {
	runtimeSeconds := runtime.Seconds()
	if e.cfg.DeleteCompletedJobs {
		e.applyOutcome(ctx, j.ID, "DELETE FROM jobs WHERE id = $1", []interface{}{j.ID}, true)
		return
	}
	e.applyOutcome(ctx, j.ID,
		`UPDATE jobs SET status = 'c', runtime = $2, worker_id = NULL WHERE id = $1`,
		[]interface{}{j.ID, runtimeSeconds}, false)
}

func (e *Executor) onDiscard(ctx context.Context, j reserver.ReservedJob, cause error) {
	e.insertJobError(ctx, j.ID, exekutor.ErrorRecord{Kind: kindForDiscard(cause), Message: cause.Error()})

	if e.cfg.DeleteDiscardedJobs {
		e.applyOutcome(ctx, j.ID, "DELETE FROM jobs WHERE id = $1", []interface{}{j.ID}, true)
		return
	}
	e.applyOutcome(ctx, j.ID,
		`UPDATE jobs SET status = 'd', worker_id = NULL WHERE id = $1`,
		[]interface{}{j.ID}, false)
}

func kindForDiscard(cause error) exekutor.ErrorKind {
	if _, ok := cause.(executionTimeoutSignal); ok {
		return exekutor.ErrorKindExecutionTimeout
	}
	return exekutor.ErrorKindQueueTimeout
}

func (e *Executor) onFailure(ctx context.Context, j reserver.ReservedJob, cause error) {
	e.hookReg.RunJobFailure(ctx, e.logger, j.ID.String(), cause)
	e.logger.Error("job failed", zap.String("job_id", j.ID.String()), zap.Error(cause))
	e.insertJobError(ctx, j.ID, exekutor.ErrorRecord{Kind: exekutor.ErrorKindFailure, Message: cause.Error()})

	if e.cfg.DeleteFailedJobs {
		e.applyOutcome(ctx, j.ID, "DELETE FROM jobs WHERE id = $1", []interface{}{j.ID}, true)
		return
	}
	e.applyOutcome(ctx, j.ID,
		`UPDATE jobs SET status = 'f', worker_id = NULL WHERE id = $1`,
		[]interface{}{j.ID}, false)
}

// onUnrecoverable handles an around-hook that never yielded
// (ErrMissingYield): it logs the error and releases the job back to
// pending, buffering the release if the write fails. The error is not
// rethrown; the job goroutine returns normally afterwards.
func (e *Executor) onUnrecoverable(ctx context.Context, j reserver.ReservedJob, cause error) {
	e.logger.Error("job hit unrecoverable error, releasing to pending", zap.String("job_id", j.ID.String()), zap.Error(cause))
	if err := e.driver.Exec(ctx, `UPDATE jobs SET status = 'p', worker_id = NULL WHERE id = $1`, j.ID); err != nil {
		e.bufferUpdate(j.ID, &pendingUpdate{attrs: map[string]interface{}{"status": "p", "worker_id": nil}})
	}
}

// applyOutcome writes a terminal-state update, falling back to the
// pending-update buffer when the write fails and a liveness check
// confirms the connection is down (spec §4.4 "Lost-connection policy").
func (e *Executor) applyOutcome(ctx context.Context, jobID uuid.UUID, stmt string, args []interface{}, isDelete bool) {
	if err := e.driver.Exec(ctx, stmt, args...); err != nil {
		if pingErr := e.driver.Ping(ctx); pingErr != nil {
			upd := &pendingUpdate{destroy: isDelete}
			if !isDelete {
				upd.attrs = map[string]interface{}{"__stmt": stmt, "__args": args}
			}
			e.bufferUpdate(jobID, upd)
			return
		}
		e.logger.Error("executor: failed to persist job outcome", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (e *Executor) bufferUpdate(jobID uuid.UUID, upd *pendingUpdate) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if existing, ok := e.pending[jobID]; ok && existing.destroy {
		return // destroy always wins (spec §4.4)
	}
	e.pending[jobID] = upd
}

func (e *Executor) insertJobError(ctx context.Context, jobID uuid.UUID, rec exekutor.ErrorRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		e.logger.Error("executor: failed marshaling job error record", zap.Error(err))
		return
	}
	errID := id.New()
	if execErr := e.driver.Exec(ctx,
		`INSERT INTO job_errors (id, job_id, error) VALUES ($1, $2, $3)`,
		errID, jobID, payload); execErr != nil {
		e.logger.Error("executor: failed recording job error", zap.String("job_id", jobID.String()), zap.Error(execErr))
	}
}

// DrainPendingUpdates implements spec §4.3 step 1 / §4.4 "On next
// successful Provider iteration the buffer is drained."
func (e *Executor) DrainPendingUpdates(ctx context.Context) error {
	e.pendingMu.Lock()
	batch := e.pending
	e.pending = make(map[uuid.UUID]*pendingUpdate)
	e.pendingMu.Unlock()

	var firstErr error
	for jobID, upd := range batch {
		var err error
		if upd.destroy {
			err = e.driver.Exec(ctx, "DELETE FROM jobs WHERE id = $1", jobID)
		} else if stmt, ok := upd.attrs["__stmt"].(string); ok {
			args, _ := upd.attrs["__args"].([]interface{})
			err = e.driver.Exec(ctx, stmt, args...)
		} else {
			err = e.driver.Exec(ctx, `UPDATE jobs SET status = 'p', worker_id = NULL WHERE id = $1`, jobID)
		}
		if err != nil {
			e.logger.Error("executor: failed draining pending update, re-buffering", zap.String("job_id", jobID.String()), zap.Error(err))
			e.bufferUpdate(jobID, upd)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PrunePool implements spec §4.4 `prune_pool()`. Because this pool is a
// fixed-weight semaphore rather than spawned-on-demand goroutines kept
// alive between jobs, there is nothing resident to reclaim; pruning is a
// no-op bookkeeping hook retained so the Worker's queue_empty wiring
// (spec §4.5) has something to call.
func (e *Executor) PrunePool() {}

// Kill implements spec §4.4 `Kill()`: synchronously stop accepting new
// work. In-flight goroutines are not force-terminated (Go has no
// preemptive goroutine kill); Kill instead marks the pool closed so
// AvailableSlots/Post reject further work, matching the "does not run
// shutdown hooks" contract since this path never invokes hookReg.
func (e *Executor) Kill() {
	e.mu.Lock()
	e.killed = true
	e.mu.Unlock()
}

// Wait blocks until all in-flight job goroutines have returned, or ctx
// is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
