// Package jobrunner is the dynamic job-payload dispatch side of the
// queue: the opaque "payload" on a Job is application state plus a kind
// name, and actually running it is external to the core (spec §9
// "Dynamic job payload dispatch... model it with a single-method
// JobRunner interface"). Adapted from the teacher's workers.WorkerRegistry,
// generalized from a one-shot Process(ctx) method into a Run method that
// receives job metadata (Info) and the job's raw JSON args.
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info is the metadata the Executor hands a JobRunner alongside the
// deserialized payload (spec §9, §4.4 step 5).
type Info struct {
	ID          uuid.UUID
	Kind        string
	Queue       string
	ActiveJobID uuid.UUID
	ScheduledAt time.Time
}

// JobRunner is implemented by application code registered for one job
// kind. Run receives the job's args as raw JSON, already taken out of
// the payload envelope; decoding them is up to the runner.
type JobRunner interface {
	// Kind identifies which jobs this runner handles; it is persisted
	// nowhere by the core itself (job kind lives in the application
	// payload, spec §3 "Payload"), but the Registry uses it as the
	// lookup key.
	Kind() string
	Run(ctx context.Context, info Info, payload json.RawMessage) error
}

// Registry maps a job kind name to the JobRunner that executes it.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]JobRunner
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]JobRunner)}
}

// Register adds a JobRunner to the registry, keyed by its Kind().
func (r *Registry) Register(runner JobRunner) error {
	if runner == nil {
		return fmt.Errorf("jobrunner: cannot register a nil runner")
	}
	kind := runner.Kind()
	if kind == "" {
		return fmt.Errorf("jobrunner: Kind() must be non-empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
	return nil
}

// Lookup returns the runner registered for kind, if any.
func (r *Registry) Lookup(kind string) (JobRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	return runner, ok
}

// FuncRunner adapts a plain function to JobRunner, for simple cases that
// don't need a dedicated type.
type FuncRunner struct {
	kind string
	fn   func(ctx context.Context, info Info, payload json.RawMessage) error
}

// NewFuncRunner builds a JobRunner from a bare function.
func NewFuncRunner(kind string, fn func(ctx context.Context, info Info, payload json.RawMessage) error) *FuncRunner {
	return &FuncRunner{kind: kind, fn: fn}
}

func (f *FuncRunner) Kind() string { return f.kind }

func (f *FuncRunner) Run(ctx context.Context, info Info, payload json.RawMessage) error {
	return f.fn(ctx, info, payload)
}
