package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tgrange/jobq/internal/job"
)

// jobColumns is the canonical column list; every row read goes through
// scanJob with exactly this order.
const jobColumns = "id, payload, priority, status, retry_count, max_retries, error_message, next_eligible_at, created_at, updated_at"

// claimSQL selects the highest-priority, oldest eligible job and transitions
// it to running in one statement. SKIP LOCKED makes concurrent claimers pass
// over rows another transaction is claiming instead of blocking on them, so
// no two workers ever receive the same job.
const claimSQL = `
UPDATE jobs
SET status = 'running', next_eligible_at = NULL, updated_at = now()
WHERE id = (
    SELECT id
    FROM jobs
    WHERE status = 'pending'
       OR (status = 'failed' AND next_eligible_at <= now())
    ORDER BY priority DESC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j        job.Job
		status   string
		errMsg   *string
		priority int
	)
	err := row.Scan(
		&j.ID, &j.Payload, &priority, &status,
		&j.RetryCount, &j.MaxRetries, &errMsg,
		&j.NextEligibleAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return &j, nil
}

// Enqueue inserts a new pending job and returns it. Timestamps come from the
// record itself so ordering matches the other backends.
func (s *Store) Enqueue(ctx context.Context, payload []byte, priority job.Priority, maxRetries int) (*job.Job, error) {
	j := job.New(payload, priority, maxRetries)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, payload, priority, status, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.ID, j.Payload, int(j.Priority), string(j.Status), j.RetryCount, j.MaxRetries, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// ClaimNext atomically claims one eligible job. Returns (nil, nil) when no
// job is currently eligible.
func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, claimSQL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Complete marks a running job as succeeded.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows means the guard failed; read the row to say why.
		var status string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("complete job %s: %w", id, job.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete job %s: %w", id, err)
		}
		return fmt.Errorf("complete job %s: status %s: %w", id, status, job.ErrInvalidTransition)
	}
	return nil
}

// Fail records a handler failure on a running job: to failed with a backoff
// window while retries remain, to dead_letter once they are exhausted.
// Returns the post-transition record.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail job %s: begin: %w", id, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		status     string
		retryCount int
		maxRetries int
	)
	err = tx.QueryRow(ctx, `
		SELECT status, retry_count, max_retries FROM jobs
		WHERE id = $1 FOR UPDATE`, id).Scan(&status, &retryCount, &maxRetries)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fail job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	if job.Status(status) != job.StatusRunning {
		return nil, fmt.Errorf("fail job %s: status %s: %w", id, status, job.ErrInvalidTransition)
	}

	attempt := retryCount + 1
	next := job.StatusDeadLetter
	var eligibleAt *time.Time
	if retryCount < maxRetries {
		next = job.StatusFailed
		at := time.Now().UTC().Add(s.backoff.Delay(attempt))
		eligibleAt = &at
	}

	j, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, error_message = NULLIF($4, ''), next_eligible_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, string(next), attempt, errMsg, eligibleAt,
	))
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("fail job %s: commit: %w", id, err)
	}
	return j, nil
}

// Get retrieves a job by ID. Returns (nil, nil) when no job matches.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs matching f, newest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC")

	if f.Status != nil {
		sb = sb.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.Priority != nil {
		sb = sb.Where(sq.Eq{"priority": int(*f.Priority)})
	}
	if f.Limit > 0 {
		sb = sb.Limit(uint64(f.Limit))
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		result = append(result, j)
	}
	return result, rows.Err()
}

// Stats returns per-status job counts.
func (s *Store) Stats(ctx context.Context) (*job.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &job.Stats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("job stats: scan: %w", err)
		}
		switch job.Status(status) {
		case job.StatusPending:
			stats.Pending = n
		case job.StatusRunning:
			stats.Running = n
		case job.StatusCompleted:
			stats.Completed = n
		case job.StatusFailed:
			stats.Failed = n
		case job.StatusDeadLetter:
			stats.DeadLetter = n
		}
	}
	return stats, rows.Err()
}

// Resubmit clones a dead_letter job into a brand-new pending job. The source
// record is left untouched.
func (s *Store) Resubmit(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var (
		payload    []byte
		priority   int
		maxRetries int
		status     string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, priority, max_retries, status FROM jobs WHERE id = $1`, id).
		Scan(&payload, &priority, &maxRetries, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resubmit job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resubmit job %s: %w", id, err)
	}
	if job.Status(status) != job.StatusDeadLetter {
		return nil, fmt.Errorf("resubmit job %s: status %s: %w", id, status, job.ErrInvalidTransition)
	}
	return s.Enqueue(ctx, payload, job.Priority(priority), maxRetries)
}

// RecoverStale resets running jobs untouched for longer than olderThan back
// to pending. Returns the number of jobs reset.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', next_eligible_at = NULL, updated_at = now()
		WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
