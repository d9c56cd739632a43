// Package reserver implements spec §4.1: converting "I have N free
// execution slots" into "claim ≤ N ready jobs, atomically," via a single
// FOR UPDATE SKIP LOCKED statement.
package reserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	exekutor "github.com/devdicated/exekutor-go"
	"github.com/devdicated/exekutor-go/drivers"
)

// Filter restricts which queues/priorities a Reserver will claim, per
// spec §4.1 "Filter building": queue filter is none/equality/IN-set,
// priority filter is a closed interval with either end optional.
type Filter struct {
	Queues      []string
	MinPriority *int16
	MaxPriority *int16
}

// Matches reports whether a (queue, priority) pair, as decoded from a
// Listener notification, falls inside this filter. Used by the Listener
// to discard notifications before ever calling the Provider (spec §4.2
// step 4).
func (f Filter) Matches(queue string, priority int16) bool {
	if len(f.Queues) > 0 {
		found := false
		for _, q := range f.Queues {
			if q == queue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority != nil && priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && priority > *f.MaxPriority {
		return false
	}
	return true
}

// NewQueueFilter validates and builds a queue filter. An empty/zero-length
// list means "no filter" (spec §4.1 "none (null filter)").
func NewQueueFilter(queues []string) ([]string, error) {
	seen := make(map[string]bool, len(queues))
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		if q == "" {
			return nil, errors.New("reserver: queue name must not be empty")
		}
		if len(q) > exekutor.MaxQueueNameLength {
			return nil, errors.Newf("reserver: queue name %q exceeds %d characters", q, exekutor.MaxQueueNameLength)
		}
		if seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out, nil
}

// whereQueue renders this filter's queue clause, starting bind params at
// argStart. Returns the clause (empty if unfiltered) and the args to
// append.
func (f Filter) whereQueue(argStart int) (string, []interface{}) {
	if len(f.Queues) == 0 {
		return "", nil
	}
	if len(f.Queues) == 1 {
		return fmt.Sprintf("AND queue = $%d", argStart), []interface{}{f.Queues[0]}
	}
	placeholders := make([]string, len(f.Queues))
	args := make([]interface{}, len(f.Queues))
	for i, q := range f.Queues {
		placeholders[i] = fmt.Sprintf("$%d", argStart+i)
		args[i] = q
	}
	return fmt.Sprintf("AND queue IN (%s)", strings.Join(placeholders, ", ")), args
}

func (f Filter) wherePriority(argStart int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	n := argStart
	if f.MinPriority != nil {
		clauses = append(clauses, fmt.Sprintf("priority >= $%d", n))
		args = append(args, *f.MinPriority)
		n++
	}
	if f.MaxPriority != nil {
		clauses = append(clauses, fmt.Sprintf("priority <= $%d", n))
		args = append(args, *f.MaxPriority)
		n++
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "AND " + strings.Join(clauses, " AND "), args
}

// ReservedJob is what Reserve/Abandoned return: just enough to dispatch
// to the Executor (spec §4.1 "return the updated rows' id, payload,
// options, scheduled_at").
type ReservedJob struct {
	ID          uuid.UUID
	Queue       string
	ActiveJobID uuid.UUID
	Payload     json.RawMessage
	Options     exekutor.Options
	Priority    int16
	ScheduledAt time.Time
	EnqueuedAt  time.Time
}

// Reserver claims ready jobs for one worker.
type Reserver struct {
	driver   drivers.Driver
	workerID uuid.UUID
	filter   Filter
}

// New builds a Reserver bound to one worker id and filter.
func New(driver drivers.Driver, workerID uuid.UUID, filter Filter) *Reserver {
	return &Reserver{driver: driver, workerID: workerID, filter: filter}
}

// Reserve atomically claims up to limit pending, due jobs matching the
// filter and marks them executing under this worker (spec §4.1
// `reserve(limit)`). Rows are returned ordered by (priority asc,
// scheduled_at asc, enqueued_at asc), matching spec §8 invariant 4.
func (r *Reserver) Reserve(ctx context.Context, limit int) ([]ReservedJob, error) {
	if limit <= 0 {
		return nil, errors.New("reserver: limit must be > 0")
	}

	queueClause, queueArgs := r.filter.whereQueue(3)
	priorityClause, priorityArgs := r.filter.wherePriority(3 + len(queueArgs))

	stmt := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'e', worker_id = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'p' AND scheduled_at <= NOW()
			%s
			%s
			ORDER BY priority ASC, scheduled_at ASC, enqueued_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, active_job_id, payload, options, priority, scheduled_at, enqueued_at
	`, queueClause, priorityClause)

	args := append([]interface{}{r.workerID, limit}, append(queueArgs, priorityArgs...)...)

	rows, err := r.driver.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "reserver: reserve query failed")
	}
	defer rows.Close()

	var out []ReservedJob
	for rows.Next() {
		var rj ReservedJob
		var optionsRaw []byte
		if err := rows.Scan(&rj.ID, &rj.Queue, &rj.ActiveJobID, &rj.Payload, &optionsRaw, &rj.Priority, &rj.ScheduledAt, &rj.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "reserver: scan failed")
		}
		if len(optionsRaw) > 0 {
			if err := json.Unmarshal(optionsRaw, &rj.Options); err != nil {
				return nil, errors.Wrap(err, "reserver: options unmarshal failed")
			}
		}
		out = append(out, rj)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "reserver: row iteration failed")
	}

	// Ordering is guaranteed by the ORDER BY inside the subquery; the
	// outer UPDATE...RETURNING does not itself guarantee order, so sort
	// defensively by the full (priority, scheduled_at, enqueued_at) tuple
	// to uphold spec §8 invariant 4 regardless of backend.
	sortReservedJobs(out)
	return out, nil
}

// Release reverts a batch of jobs back to pending with no owning worker
// -- used by the Provider when posting a reserved batch to the Executor
// fails partway through (spec §4.3 "attempt to release every id in the
// batch back to pending... in one statement").
func (r *Reserver) Release(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.driver.Exec(ctx, `UPDATE jobs SET status = 'p', worker_id = NULL WHERE id = ANY($1)`, uuidArray(ids))
	if err != nil {
		return errors.Wrap(err, "reserver: release failed")
	}
	return nil
}

// Abandoned returns jobs still marked executing under this worker that
// are not in the given set of ids currently running in memory (spec §4.1
// `abandoned(active_ids)`, §7 "Abandoned-job recovery").
func (r *Reserver) Abandoned(ctx context.Context, activeIDs []uuid.UUID) ([]ReservedJob, error) {
	stmt := `
		SELECT id, queue, active_job_id, payload, options, priority, scheduled_at, enqueued_at
		FROM jobs
		WHERE status = 'e' AND worker_id = $1 AND NOT (id = ANY($2))
	`
	rows, err := r.driver.Query(ctx, stmt, r.workerID, uuidArray(activeIDs))
	if err != nil {
		return nil, errors.Wrap(err, "reserver: abandoned query failed")
	}
	defer rows.Close()

	var out []ReservedJob
	for rows.Next() {
		var rj ReservedJob
		var optionsRaw []byte
		if err := rows.Scan(&rj.ID, &rj.Queue, &rj.ActiveJobID, &rj.Payload, &optionsRaw, &rj.Priority, &rj.ScheduledAt, &rj.EnqueuedAt); err != nil {
			return nil, errors.Wrap(err, "reserver: abandoned scan failed")
		}
		if len(optionsRaw) > 0 {
			if err := json.Unmarshal(optionsRaw, &rj.Options); err != nil {
				return nil, errors.Wrap(err, "reserver: abandoned options unmarshal failed")
			}
		}
		out = append(out, rj)
	}
	return out, rows.Err()
}

// EarliestScheduledAt returns the earliest scheduled_at across pending
// rows matching the filter, or (nil, nil) if there are none (spec §4.1
// `earliest_scheduled_at`).
func (r *Reserver) EarliestScheduledAt(ctx context.Context) (*time.Time, error) {
	queueClause, queueArgs := r.filter.whereQueue(1)
	priorityClause, priorityArgs := r.filter.wherePriority(1 + len(queueArgs))

	stmt := fmt.Sprintf(`
		SELECT MIN(scheduled_at) FROM jobs
		WHERE status = 'p'
		%s
		%s
	`, queueClause, priorityClause)

	args := append(queueArgs, priorityArgs...)

	var t *time.Time
	row := r.driver.QueryRow(ctx, stmt, args...)
	if err := row.Scan(&t); err != nil {
		return nil, errors.Wrap(err, "reserver: earliest_scheduled_at failed")
	}
	return t, nil
}

// reservedJobLess orders by the (priority asc, scheduled_at asc,
// enqueued_at asc) tuple spec §8 invariant 4 requires.
func reservedJobLess(a, b ReservedJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

func sortReservedJobs(jobs []ReservedJob) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && reservedJobLess(jobs[j], jobs[j-1]); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func uuidArray(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
