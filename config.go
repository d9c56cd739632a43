package exekutor

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Config is the typed configuration surface from spec §6.6. There is
// deliberately no YAML/ENV loader here (spec §1 lists configuration
// loading as an external collaborator); callers build a Config directly
// and call Validate, which raises configuration errors at set-time
// rather than at runtime (spec §7 "Configuration errors").
type Config struct {
	// Queues restricts reservation to this set; empty means all queues.
	Queues []string

	// MinPriority/MaxPriority bound the reservable priority range.
	// Zero values mean "unbounded on that end."
	MinPriority int16
	MaxPriority int16

	// MinThreads/MaxThreads size the Executor's pool.
	MinThreads int
	MaxThreads int

	// MaxThreadIdleTime is passed to the Executor. Its pool starts one
	// goroutine per job and keeps none idle, so PrunePool has nothing to
	// reclaim and this value has no effect.
	MaxThreadIdleTime time.Duration

	// PollingInterval/PollingJitter drive the Provider's fallback
	// polling cadence. PollingJitter must be in [0, 0.5].
	PollingInterval time.Duration
	PollingJitter   float64

	// EnableListener toggles the Listener subcomponent entirely.
	EnableListener bool

	// SetDBConnectionName, if non-empty, is set as the application_name
	// on the Listener's dedicated connection.
	SetDBConnectionName string

	DeleteCompletedJobs bool
	DeleteDiscardedJobs bool
	DeleteFailedJobs    bool

	// WaitForTermination bounds how long Stop waits for in-flight jobs.
	// Nil means wait indefinitely; 0 means kill immediately.
	WaitForTermination *time.Duration

	// DefaultQueuePriority is validated to lie in [MinPriority,
	// MaxPriority] (zero is allowed). Push, ScheduleAt and the Worker
	// wrappers do not read it: a request with a zero Priority gets
	// DefaultPriority.
	DefaultQueuePriority int16

	// HealthcheckTimeout bounds the worker's liveness probe; owned
	// entirely by the external HTTP status collaborator (spec §1), kept
	// here only because it is part of the conceptual configuration
	// surface in spec §6.6.
	HealthcheckTimeout time.Duration
}

// DefaultConfig returns a Config with the schema's own defaults
// (spec §6.1 column defaults, §4.3 nominal polling values).
func DefaultConfig() Config {
	return Config{
		MinThreads:           1,
		MaxThreads:           5,
		MaxThreadIdleTime:    60 * time.Second,
		PollingInterval:      60 * time.Second,
		PollingJitter:        0.1,
		EnableListener:       true,
		DefaultQueuePriority: DefaultPriority,
	}
}

// Validate raises configuration errors at set-time (spec §7
// "Configuration errors... never at runtime").
func (c Config) Validate() error {
	if c.MinThreads < 0 {
		return errors.New("config: min_threads must be >= 0")
	}
	if c.MaxThreads < 1 {
		return errors.New("config: max_threads must be >= 1")
	}
	if c.MinThreads > c.MaxThreads {
		return errors.New("config: min_threads must be <= max_threads")
	}
	if c.PollingJitter < 0 || c.PollingJitter > 0.5 {
		return errors.New("config: polling_jitter must be in [0, 0.5]")
	}
	if c.PollingInterval < 0 {
		return errors.New("config: polling_interval must be >= 0")
	}
	for _, q := range c.Queues {
		if q == "" {
			return errors.New("config: queue name must not be empty")
		}
		if len(q) > MaxQueueNameLength {
			return errors.Newf("config: queue name %q exceeds %d characters", q, MaxQueueNameLength)
		}
	}
	if c.MinPriority != 0 && (c.MinPriority < MinPriority || c.MinPriority > MaxPriority) {
		return errors.Newf("config: min_priority must be in [%d, %d]", MinPriority, MaxPriority)
	}
	if c.MaxPriority != 0 && (c.MaxPriority < MinPriority || c.MaxPriority > MaxPriority) {
		return errors.Newf("config: max_priority must be in [%d, %d]", MinPriority, MaxPriority)
	}
	if c.MinPriority != 0 && c.MaxPriority != 0 && c.MinPriority > c.MaxPriority {
		return errors.New("config: min_priority must be <= max_priority")
	}
	if c.DefaultQueuePriority != 0 && (c.DefaultQueuePriority < MinPriority || c.DefaultQueuePriority > MaxPriority) {
		return errors.Newf("config: default_queue_priority must be in [%d, %d]", MinPriority, MaxPriority)
	}
	return nil
}
