package exekutor

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state machine (spec §3 Status, §6.1 status
// column). Only Pending rows are eligible for reservation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// dbChar is the single-character encoding the schema (spec §6.1) uses for
// status so the composite dequeue index stays narrow.
func (s Status) dbChar() string {
	switch s {
	case StatusPending:
		return "p"
	case StatusExecuting:
		return "e"
	case StatusCompleted:
		return "c"
	case StatusFailed:
		return "f"
	case StatusDiscarded:
		return "d"
	default:
		return "p"
	}
}

func statusFromDBChar(c string) Status {
	switch c {
	case "e":
		return StatusExecuting
	case "c":
		return StatusCompleted
	case "f":
		return StatusFailed
	case "d":
		return StatusDiscarded
	default:
		return StatusPending
	}
}

// MaxQueueNameLength is the spec §3 bound ("queue... ≤ 63 chars").
const MaxQueueNameLength = 63

// MinPriority and MaxPriority bound the spec §3 priority range (1 is
// highest priority, matching the dequeue order in §4.1/§8).
const (
	MinPriority = 1
	MaxPriority = 32767

	// DefaultPriority is the schema's column default (spec §6.1).
	DefaultPriority = 16383
)

// Options is the optional per-job map described in spec §3 "Options".
type Options struct {
	// StartExecutionBefore, if set, is an epoch-seconds deadline: a job
	// dequeued after this time is discarded rather than executed
	// (spec §4.4 step 4, "Maximum queue time expired").
	StartExecutionBefore *int64 `json:"start_execution_before,omitempty"`

	// ExecutionTimeout, if set, is a number of seconds; once this
	// deadline passes, the runner's context is cancelled and the job is
	// discarded (spec §4.4 step 5). The runner's goroutine is not
	// stopped: a runner that ignores its context keeps running.
	ExecutionTimeout *float64 `json:"execution_timeout,omitempty"`
}

// Job is the spec §3 Job record.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Priority    int16
	EnqueuedAt  time.Time
	ScheduledAt time.Time
	ActiveJobID uuid.UUID
	Payload     json.RawMessage
	Options     Options
	Status      Status
	WorkerID    *uuid.UUID
	Runtime     *time.Duration
}

// WorkerStatus is the spec §3 Worker.Status enum.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerRunning       WorkerStatus = "running"
	WorkerShuttingDown  WorkerStatus = "shutting_down"
	WorkerCrashed       WorkerStatus = "crashed"
)

func (s WorkerStatus) dbChar() string {
	switch s {
	case WorkerRunning:
		return "r"
	case WorkerShuttingDown:
		return "s"
	case WorkerCrashed:
		return "c"
	default:
		return "i"
	}
}

// WorkerRecord is the spec §3 Worker record, persisted in the `workers`
// table (spec §6.1).
type WorkerRecord struct {
	ID              uuid.UUID
	Hostname        string
	PID             int
	Info            json.RawMessage
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Status          WorkerStatus
}

// JobError is the spec §3 append-only error log row.
type JobError struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	CreatedAt time.Time
	Error     json.RawMessage
}

// ErrorKind distinguishes the JobError rows written for generic payload
// failures from the discard signals in spec §4.4 steps 7/8.
type ErrorKind string

const (
	ErrorKindFailure       ErrorKind = "error"
	ErrorKindQueueTimeout  ErrorKind = "queue_timeout"
	ErrorKindExecutionTimeout ErrorKind = "timeout"
)

// ErrorRecord is the JSON shape written into JobError.Error.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
