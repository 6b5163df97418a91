package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by operations that require an existing job when
// the ID matches nothing. Get deliberately does not use it: a missing job
// is an ordinary answer there, not a failure.
var ErrNotFound = errors.New("job not found")

// ErrInvalidTransition is returned when an operation targets a job whose
// current status does not permit it, e.g. completing a job that is not
// running. The wrapped message carries the observed status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Status   *Status
	Priority *Priority
	// Limit caps the number of rows returned. Zero means no limit.
	Limit int
}

// Stats holds per-status job counts.
type Stats struct {
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Total returns the number of jobs across all statuses.
func (s *Stats) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.DeadLetter
}

// Store defines the persistence contract for jobs. Implementations must be
// safe for concurrent use; ClaimNext in particular must never hand the same
// job to two callers.
type Store interface {
	// Enqueue persists a new pending job built from payload, priority, and
	// maxRetries, and returns the stored record.
	Enqueue(ctx context.Context, payload []byte, priority Priority, maxRetries int) (*Job, error)

	// ClaimNext atomically selects the highest-priority, oldest eligible job,
	// marks it running, and returns it. A job is eligible when it is pending,
	// or failed with its backoff window elapsed. Returns (nil, nil) when no
	// job is eligible.
	ClaimNext(ctx context.Context) (*Job, error)

	// Complete marks a running job completed. Returns ErrNotFound for an
	// unknown ID and ErrInvalidTransition when the job is not running.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail records a handler failure on a running job. While retries remain
	// the job moves to failed with a backoff window; once retries are
	// exhausted it moves to dead_letter. The post-transition record is
	// returned. Same error contract as Complete.
	Fail(ctx context.Context, id uuid.UUID, errMsg string) (*Job, error)

	// Get retrieves a job by ID. Returns (nil, nil) when no job matches.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// List returns jobs matching f, newest first.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Stats returns per-status job counts.
	Stats(ctx context.Context) (*Stats, error)

	// Resubmit clones a dead_letter job into a brand-new pending job with a
	// fresh ID and zero retries, and returns the new job. The dead_letter
	// record itself stays terminal. Returns ErrInvalidTransition when the
	// source job is not dead_letter.
	Resubmit(ctx context.Context, id uuid.UUID) (*Job, error)

	// RecoverStale resets running jobs untouched for longer than olderThan
	// back to pending, for operator recovery after a worker process died
	// mid-job. The interrupted attempt is not counted. Returns the number of
	// jobs reset.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}
