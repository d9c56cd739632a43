package exekutor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devdicated/exekutor-go/drivers"
	"github.com/devdicated/exekutor-go/internal/hooks"
	"github.com/devdicated/exekutor-go/pkg/id"
)

// EnqueueRequest is the caller-facing shape for Push/ScheduleAt (spec
// §6.4 "push(job)"). Kind is persisted inside Payload as the
// "job_class" field the Executor's jobrunner dispatch reads back out.
type EnqueueRequest struct {
	Kind        string
	Queue       string
	Priority    int16
	ScheduledAt time.Time
	ActiveJobID uuid.UUID
	Args        interface{}
	Options     Options
}

// Push inserts a single job using prepared parameters, defaulting
// scheduled_at to now (spec §6.4). It rejects priorities outside
// 1..32767 and queue names over the length limit. hookReg and logger may
// be nil: a nil hookReg skips before/around/after_enqueue hooks (spec
// §4.6) entirely rather than running them against an empty registry, and
// a nil logger is replaced by a no-op logger.
func Push(ctx context.Context, driver drivers.Driver, hookReg *hooks.Registry, logger *zap.Logger, req EnqueueRequest) (uuid.UUID, error) {
	return pushWith(ctx, func(sql string, args ...interface{}) error {
		return driver.Exec(ctx, sql, args...)
	}, hookReg, logger, req)
}

// PushWithTx enqueues a job as part of an externally-managed
// transaction (spec §6.4 AddJobWithTx), so application code can enqueue
// atomically with its own writes.
func PushWithTx(ctx context.Context, driver drivers.Driver, tx interface{}, hookReg *hooks.Registry, logger *zap.Logger, req EnqueueRequest) (uuid.UUID, error) {
	adapter, err := driver.AddJobWithTx(ctx, tx)
	if err != nil {
		return uuid.UUID{}, errors.Wrap(err, "enqueue: invalid transaction for driver")
	}
	return pushWith(ctx, func(sql string, args ...interface{}) error {
		return adapter.Exec(ctx, sql, args...)
	}, hookReg, logger, req)
}

// ScheduleAt is Push with an explicit scheduled time, accepting any of
// time.Time, a Unix second count, or a float (fractional seconds) per
// spec §6.4 "accepts Time, Date, or numeric epoch."
func ScheduleAt(ctx context.Context, driver drivers.Driver, hookReg *hooks.Registry, logger *zap.Logger, req EnqueueRequest, at interface{}) (uuid.UUID, error) {
	t, err := coerceTime(at)
	if err != nil {
		return uuid.UUID{}, err
	}
	req.ScheduledAt = t
	return Push(ctx, driver, hookReg, logger, req)
}

func coerceTime(at interface{}) (time.Time, error) {
	switch v := at.(type) {
	case time.Time:
		return v, nil
	case int64:
		return time.Unix(v, 0), nil
	case int:
		return time.Unix(int64(v), 0), nil
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), nil
	default:
		return time.Time{}, errors.Newf("enqueue: unsupported schedule value type %T", at)
	}
}

func pushWith(ctx context.Context, exec func(sql string, args ...interface{}) error, hookReg *hooks.Registry, logger *zap.Logger, req EnqueueRequest) (uuid.UUID, error) {
	if req.Kind == "" {
		return uuid.UUID{}, errors.New("enqueue: Kind must be non-empty")
	}
	if req.Queue == "" {
		req.Queue = "default"
	}
	if len(req.Queue) > MaxQueueNameLength {
		return uuid.UUID{}, errors.Newf("enqueue: queue name %q exceeds %d characters", req.Queue, MaxQueueNameLength)
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return uuid.UUID{}, errors.Newf("enqueue: priority %d out of range [%d, %d]", req.Priority, MinPriority, MaxPriority)
	}
	if req.ScheduledAt.IsZero() {
		req.ScheduledAt = time.Now()
	}
	if req.ActiveJobID == (uuid.UUID{}) {
		req.ActiveJobID = id.New()
	}

	payload, err := marshalPayload(req.Kind, req.Args)
	if err != nil {
		return uuid.UUID{}, errors.Wrap(err, "enqueue: failed marshaling payload")
	}

	var optionsJSON []byte
	if req.Options.StartExecutionBefore != nil || req.Options.ExecutionTimeout != nil {
		optionsJSON, err = json.Marshal(req.Options)
		if err != nil {
			return uuid.UUID{}, errors.Wrap(err, "enqueue: failed marshaling options")
		}
	}

	jobID := id.New()

	const stmt = `
		INSERT INTO jobs (id, queue, priority, scheduled_at, active_job_id, payload, options, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'p')
	`
	insert := func(ctx context.Context) error {
		return exec(stmt, jobID, req.Queue, req.Priority, req.ScheduledAt, req.ActiveJobID, payload, optionsJSON)
	}

	var runErr error
	if hookReg != nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		runErr = hookReg.RunEnqueue(ctx, logger, jobID.String(), insert)
	} else {
		runErr = insert(ctx)
	}
	if runErr != nil {
		return uuid.UUID{}, errors.Wrap(runErr, "enqueue: insert failed")
	}
	return jobID, nil
}

// marshalPayload wraps the application's args under a job_class tag so
// the Executor's runner lookup (internal/executor) can find the right
// jobrunner.JobRunner by Kind.
func marshalPayload(kind string, args interface{}) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	envelope := struct {
		JobClass string          `json:"job_class"`
		Args     json.RawMessage `json:"args"`
	}{JobClass: kind, Args: argsJSON}
	return json.Marshal(envelope)
}
