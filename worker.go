package exekutor

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devdicated/exekutor-go/drivers"
	"github.com/devdicated/exekutor-go/internal/executor"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/internal/listener"
	"github.com/devdicated/exekutor-go/internal/provider"
	"github.com/devdicated/exekutor-go/internal/reserver"
	"github.com/devdicated/exekutor-go/jobrunner"
	"github.com/devdicated/exekutor-go/pkg/id"
)

// heartbeatInterval coarsens worker-record heartbeats to at most once
// per minute (spec §3 Worker.Heartbeat, §5 "Ordering guarantees").
const heartbeatInterval = time.Minute

// lifecycleState is the Worker's own state machine (spec §4.5): pending →
// started → {stopped | killed}. A fatal escalation marks the worker
// record crashed and then moves the Worker to killed.
type lifecycleState int32

const (
	lifecyclePending lifecycleState = iota
	lifecycleStarted
	lifecycleStopped
	lifecycleKilled
)

// Worker is the lifecycle shell from spec §4.5: it owns the Reserver,
// Executor, Provider, and (optionally) Listener, persists its own
// identity row, and wires the heartbeat/queue_empty callbacks between
// subcomponents without the subcomponents holding pointers back to it
// (spec §9 "Cyclic references").
type Worker struct {
	driver drivers.Driver
	cfg    Config
	hooks  *hooks.Registry
	logger *zap.Logger

	id       uuid.UUID
	hostname string
	pid      int

	reserver *reserver.Reserver
	executor *executor.Executor
	provider *provider.Provider
	listener *listener.Listener

	state   atomic.Int32
	lastHB  atomic.Int64 // unix nanos of last heartbeat write
	stopped chan struct{}
	once    sync.Once
}

// NewWorker constructs a Worker from a Config and a job-runner registry.
// cfg is validated; construction fails on a configuration error
// (spec §7 "raised at set-time from the config validator").
func NewWorker(driver drivers.Driver, cfg Config, runners *jobrunner.Registry, hookReg *hooks.Registry, logger *zap.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hookReg == nil {
		hookReg = hooks.New()
	}

	hostname, _ := os.Hostname()
	workerID := id.New()

	filter := reserver.Filter{Queues: cfg.Queues}
	if cfg.MinPriority != 0 {
		p := cfg.MinPriority
		filter.MinPriority = &p
	}
	if cfg.MaxPriority != 0 {
		p := cfg.MaxPriority
		filter.MaxPriority = &p
	}

	rsv := reserver.New(driver, workerID, filter)

	exec := executor.New(driver, runners, hookReg, executor.Config{
		MinThreads:          cfg.MinThreads,
		MaxThreads:          cfg.MaxThreads,
		MaxThreadIdleTime:   cfg.MaxThreadIdleTime,
		DeleteCompletedJobs: cfg.DeleteCompletedJobs,
		DeleteDiscardedJobs: cfg.DeleteDiscardedJobs,
		DeleteFailedJobs:    cfg.DeleteFailedJobs,
	}, logger)

	w := &Worker{
		driver:   driver,
		cfg:      cfg,
		hooks:    hookReg,
		logger:   logger,
		id:       workerID,
		hostname: hostname,
		pid:      os.Getpid(),
		reserver: rsv,
		executor: exec,
		stopped:  make(chan struct{}),
	}
	w.state.Store(int32(lifecyclePending))

	prov := provider.New(rsv, exec, provider.Config{
		PollingInterval: cfg.PollingInterval,
		PollingJitter:   cfg.PollingJitter,
		QueueEmpty:      w.onQueueEmpty,
		OnFatal:         w.onFatal,
	}, hookReg, logger, rand.New(rand.NewSource(time.Now().UnixNano())))
	w.provider = prov

	exec.SetAfterExecute(w.onAfterExecute)

	if cfg.EnableListener {
		w.listener = listener.New(driver, workerID.String(), filter, prov, hookReg, w.onFatal, logger, nil)
		if cfg.SetDBConnectionName != "" {
			w.listener.SetApplicationName(cfg.SetDBConnectionName)
		}
	}

	return w, nil
}

// ID returns this worker's identity.
func (w *Worker) ID() uuid.UUID { return w.id }

// Push enqueues a job through this worker's driver, running its
// before/around/after_enqueue hooks (spec §4.6).
func (w *Worker) Push(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	return Push(ctx, w.driver, w.hooks, w.logger, req)
}

// PushWithTx enqueues a job as part of an externally-managed transaction,
// running this worker's enqueue hooks (spec §4.6, §6.4 AddJobWithTx).
func (w *Worker) PushWithTx(ctx context.Context, tx interface{}, req EnqueueRequest) (uuid.UUID, error) {
	return PushWithTx(ctx, w.driver, tx, w.hooks, w.logger, req)
}

// ScheduleAt is Push with an explicit scheduled time (spec §6.4).
func (w *Worker) ScheduleAt(ctx context.Context, req EnqueueRequest, at interface{}) (uuid.UUID, error) {
	return ScheduleAt(ctx, w.driver, w.hooks, w.logger, req, at)
}

// Start transitions pending → started: creates the Worker record, starts
// subcomponents leaf-first (Executor has nothing to start; Listener,
// then Provider last so its initial DB refresh sees a fully-started
// worker), then marks the record running. Idempotent (spec §4.5).
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(lifecyclePending), int32(lifecycleStarted)) {
		return nil
	}

	if err := w.hooks.RunBeforeStartup(ctx, w.logger); err != nil {
		return errors.Wrap(err, "worker: before_startup hook failed")
	}

	if err := w.insertWorkerRecord(ctx, WorkerInitializing); err != nil {
		return errors.Wrap(err, "worker: failed to persist worker record")
	}

	if err := w.requeueAbandoned(ctx); err != nil {
		w.logger.Warn("worker: failed requeuing abandoned jobs at startup", zap.Error(err))
	}

	if w.listener != nil {
		if err := w.listener.Start(ctx); err != nil {
			w.logger.Warn("worker: listener failed to start, continuing on polling alone", zap.Error(err))
		}
	}

	if err := w.provider.Start(ctx); err != nil {
		return errors.Wrap(err, "worker: provider failed to start")
	}

	if err := w.updateWorkerStatus(ctx, WorkerRunning); err != nil {
		w.logger.Warn("worker: failed updating status to running", zap.Error(err))
	}

	if err := w.hooks.RunAfterStartup(ctx, w.logger); err != nil {
		w.logger.Warn("worker: after_startup hook failed", zap.Error(err))
	}

	return nil
}

// requeueAbandoned implements spec §7 "Abandoned-job recovery": jobs
// still marked executing under this worker id, with no in-memory active
// id (there can be none yet at fresh startup, so this effectively
// re-posts every row left over from a prior crash of the same worker
// id; in practice a fresh process gets a fresh id, so this mainly
// matters for restart-with-persisted-id deployments).
func (w *Worker) requeueAbandoned(ctx context.Context) error {
	abandoned, err := w.reserver.Abandoned(ctx, nil)
	if err != nil {
		return err
	}
	for _, j := range abandoned {
		if err := w.executor.Post(j); err != nil {
			w.logger.Error("worker: failed reposting abandoned job", zap.String("job_id", j.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// Stop transitions to stopped: root-first subcomponent shutdown
// (Provider, Listener, Executor), optional bounded wait for in-flight
// jobs, worker-record deletion (cascading via the requeue trigger), and
// wakes any Join waiters (spec §4.5).
func (w *Worker) Stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(lifecycleStarted), int32(lifecycleStopped)) {
		return nil
	}
	defer w.once.Do(func() { close(w.stopped) })

	if err := w.hooks.RunBeforeShutdown(ctx, w.logger); err != nil {
		w.logger.Warn("worker: before_shutdown hook failed", zap.Error(err))
	}

	_ = w.updateWorkerStatus(ctx, WorkerShuttingDown)

	if err := w.provider.Stop(ctx); err != nil {
		w.logger.Warn("worker: provider stop error", zap.Error(err))
	}
	if w.listener != nil {
		if err := w.listener.Stop(ctx); err != nil {
			w.logger.Warn("worker: listener stop error", zap.Error(err))
		}
	}

	waitCtx := ctx
	if w.cfg.WaitForTermination != nil {
		if *w.cfg.WaitForTermination <= 0 {
			w.executor.Kill()
		} else {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, *w.cfg.WaitForTermination)
			defer cancel()
			if err := w.executor.Wait(waitCtx); err != nil {
				w.executor.Kill()
			}
		}
	} else {
		_ = w.executor.Wait(waitCtx)
	}

	if err := w.deleteWorkerRecord(ctx); err != nil {
		w.logger.Warn("worker: failed deleting worker record", zap.Error(err))
	}

	if err := w.hooks.RunAfterShutdown(ctx, w.logger); err != nil {
		w.logger.Warn("worker: after_shutdown hook failed", zap.Error(err))
	}

	return nil
}

// Kill does not wait for in-flight jobs and does not run shutdown hooks
// (spec §4.5).
func (w *Worker) Kill(ctx context.Context) {
	if !w.state.CompareAndSwap(int32(lifecycleStarted), int32(lifecycleKilled)) {
		w.state.Store(int32(lifecycleKilled))
	}
	defer w.once.Do(func() { close(w.stopped) })

	w.executor.Kill()
	_ = w.provider.Stop(ctx)
	if w.listener != nil {
		_ = w.listener.Stop(ctx)
	}
	_ = w.deleteWorkerRecord(ctx)
}

// Join blocks until the worker's state becomes non-running.
func (w *Worker) Join(ctx context.Context) error {
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onAfterExecute is the callback wired into the Executor at construction
// (spec §9): heartbeat, then poll the Provider if it's running.
func (w *Worker) onAfterExecute(jobID uuid.UUID) {
	w.heartbeat(context.Background())
	if w.state.Load() == int32(lifecycleStarted) {
		if err := w.provider.Poll(); err != nil {
			w.logger.Debug("worker: post-execution poll skipped", zap.Error(err))
		}
	}
}

// onFatal is wired into the Provider and Listener as their fatal-error
// escalation callback (spec §5/§7 "After 150 consecutive failures...
// escalate to on_fatal_error and exit"): mark the worker crashed and
// kill it without waiting for in-flight jobs.
func (w *Worker) onFatal(err error) {
	w.logger.Error("worker: subcomponent escalated a fatal error, killing worker", zap.Error(err))
	ctx := context.Background()
	if updateErr := w.updateWorkerStatus(ctx, WorkerCrashed); updateErr != nil {
		w.logger.Warn("worker: failed marking worker crashed", zap.Error(updateErr))
	}
	w.Kill(ctx)
}

// onQueueEmpty is wired into the Provider's Config at construction
// (spec §4.3/§4.5): heartbeat, then prune the pool.
func (w *Worker) onQueueEmpty() {
	w.heartbeat(context.Background())
	w.executor.PrunePool()
}

// heartbeat implements the spec §3/§5 coarsening: at most one write per
// minute of wall time regardless of caller frequency.
func (w *Worker) heartbeat(ctx context.Context) {
	now := time.Now()
	last := w.lastHB.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < heartbeatInterval {
		return
	}
	if !w.lastHB.CompareAndSwap(last, now.UnixNano()) {
		return // another goroutine just won the race
	}
	if err := w.driver.Exec(ctx, `UPDATE workers SET last_heartbeat_at = $2 WHERE id = $1`, w.id, now); err != nil {
		w.logger.Warn("worker: heartbeat write failed", zap.Error(err))
	}
}

func (w *Worker) insertWorkerRecord(ctx context.Context, status WorkerStatus) error {
	return w.driver.Exec(ctx, `
		INSERT INTO workers (id, hostname, pid, info, status)
		VALUES ($1, $2, $3, '{}', $4)
	`, w.id, w.hostname, w.pid, status.dbChar())
}

func (w *Worker) updateWorkerStatus(ctx context.Context, status WorkerStatus) error {
	return w.driver.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, w.id, status.dbChar())
}

func (w *Worker) deleteWorkerRecord(ctx context.Context) error {
	return w.driver.Exec(ctx, `DELETE FROM workers WHERE id = $1`, w.id)
}
