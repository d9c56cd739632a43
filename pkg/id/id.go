// Package id generates the identifiers used throughout the job queue:
// job ids, worker ids, and the framework-level active_job_id that rides
// along with every enqueued job.
package id

import "github.com/google/uuid"

// New returns a fresh random identifier.
func New() uuid.UUID {
	return uuid.New()
}

// MustParse parses s into a UUID, panicking on malformed input. Intended
// for constants and tests, never for untrusted input.
func MustParse(s string) uuid.UUID {
	return uuid.MustParse(s)
}
