// Package schema holds the bit-exact table/trigger/channel definitions
// from spec §6.1–§6.3, and nothing else — no component logic lives here,
// only the SQL and names every component agrees on.
package schema

const (
	// TableWorkers, TableJobs, TableJobErrors are the spec §6.1 table
	// names. Namespacing (a prefix) is left to the caller of CreateSQL.
	TableWorkers   = "workers"
	TableJobs      = "jobs"
	TableJobErrors = "job_errors"

	// ChannelJobsEnqueued and ChannelWorkerPrefix are the spec §6.3
	// notification channels. The worker channel is per-instance:
	// ChannelWorkerPrefix + worker id.
	ChannelJobsEnqueued = "jobs_enqueued"
	ChannelWorkerPrefix = "worker::"
)

// CreateSQL is the DDL for the three tables plus their indexes, written to
// match spec §6.1 column-for-column.
const CreateSQL = `
CREATE TABLE IF NOT EXISTS workers (
	id                 UUID PRIMARY KEY,
	hostname           VARCHAR(255) NOT NULL,
	pid                INTEGER NOT NULL,
	info               JSONB NOT NULL DEFAULT '{}',
	started_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_heartbeat_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status             CHAR(1) NOT NULL DEFAULT 'i' CHECK (status IN ('i','r','s','c')),
	UNIQUE (hostname, pid)
);

CREATE TABLE IF NOT EXISTS jobs (
	id             UUID PRIMARY KEY,
	queue          VARCHAR(200) NOT NULL DEFAULT 'default',
	priority       SMALLINT NOT NULL DEFAULT 16383,
	enqueued_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	scheduled_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	active_job_id  UUID NOT NULL,
	payload        JSONB NOT NULL,
	options        JSONB,
	status         CHAR(1) NOT NULL DEFAULT 'p' CHECK (status IN ('p','e','c','f','d')),
	runtime        DOUBLE PRECISION,
	worker_id      UUID REFERENCES workers(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs (queue);
CREATE INDEX IF NOT EXISTS idx_jobs_active_job_id ON jobs (active_job_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs (priority, scheduled_at, enqueued_at) WHERE status = 'p';

CREATE TABLE IF NOT EXISTS job_errors (
	id         UUID PRIMARY KEY,
	job_id     UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	error      JSONB NOT NULL
);
`

// TriggerSQL installs the two triggers from spec §6.2.
const TriggerSQL = `
CREATE OR REPLACE FUNCTION notify_job_ready() RETURNS trigger AS $$
BEGIN
	IF NEW.status = 'p' THEN
		PERFORM pg_notify(
			'jobs_enqueued',
			'id:' || NEW.id ||
			';q:' || NEW.queue ||
			';p:' || NEW.priority ||
			';t:' || extract(epoch FROM NEW.scheduled_at)
		);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS jobs_notify_ready ON jobs;
CREATE TRIGGER jobs_notify_ready
	AFTER INSERT OR UPDATE OF queue, scheduled_at, status ON jobs
	FOR EACH ROW
	EXECUTE FUNCTION notify_job_ready();

CREATE OR REPLACE FUNCTION requeue_worker_jobs() RETURNS trigger AS $$
BEGIN
	UPDATE jobs
	SET status = 'p', worker_id = NULL
	WHERE worker_id = OLD.id AND status = 'e';
	RETURN OLD;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS workers_requeue_on_delete ON workers;
CREATE TRIGGER workers_requeue_on_delete
	BEFORE DELETE ON workers
	FOR EACH ROW
	EXECUTE FUNCTION requeue_worker_jobs();
`

// DropSQL reverses CreateSQL/TriggerSQL, for tests and teardown.
const DropSQL = `
DROP TRIGGER IF EXISTS workers_requeue_on_delete ON workers;
DROP FUNCTION IF EXISTS requeue_worker_jobs();
DROP TRIGGER IF EXISTS jobs_notify_ready ON jobs;
DROP FUNCTION IF EXISTS notify_job_ready();
DROP TABLE IF EXISTS job_errors;
DROP TABLE IF EXISTS jobs;
DROP TABLE IF EXISTS workers;
`
