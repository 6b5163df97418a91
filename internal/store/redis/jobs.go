package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tgrange/jobq/internal/job"
)

// priorityBand separates priority tiers in the ready-set score. It exceeds
// any unix-millisecond timestamp for centuries, so the priority term always
// dominates, and both terms stay small enough that float64 holds the sum
// exactly.
const priorityBand = 1e13

// promoteBatch caps how many due delayed jobs one claim call promotes.
const promoteBatch = 128

// readyScore orders the ready set: lower score pops first, so priorities
// are inverted and jobs of equal priority pop oldest-first.
func readyScore(p job.Priority, createdAt time.Time) float64 {
	return float64(int(job.PriorityCritical)-int(p))*priorityBand + float64(createdAt.UnixMilli())
}

// Enqueue stores a new pending job and returns it.
func (s *Store) Enqueue(ctx context.Context, payload []byte, priority job.Priority, maxRetries int) (*job.Job, error) {
	j := job.New(payload, priority, maxRetries)
	if err := s.insert(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// insert writes a fresh pending job: hash record, pending status set, and a
// ready-set entry.
func (s *Store) insert(ctx context.Context, j *job.Job) error {
	id := j.ID.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), jobFields(j))
	pipe.SAdd(ctx, statusKey(string(job.StatusPending)), id)
	pipe.ZAdd(ctx, readyKey, goredis.Z{Score: readyScore(j.Priority, j.CreatedAt), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// ClaimNext claims the highest-priority, oldest eligible job. Returns
// (nil, nil) when no job is eligible.
//
// Failed jobs whose backoff window has passed are first promoted from the
// delayed set into the ready set. ZPOPMIN then arbitrates: exactly one
// claimer receives each ready member. Promotion is not atomic, so every
// popped member is re-checked against its hash record, which is
// authoritative, before the claim commits; stale or ineligible members are
// dropped or re-parked instead of claimed.
func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	if err := s.promoteDue(ctx); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	for {
		popped, err := s.client.ZPopMin(ctx, readyKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if len(popped) == 0 {
			return nil, nil
		}
		id, ok := popped[0].Member.(string)
		if !ok {
			continue
		}

		j, err := s.getByKey(ctx, jobKey(id))
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		// A member can outlive its job record, or duplicate a promotion that
		// already ran; pop the next one.
		if j == nil {
			continue
		}
		if j.Status != job.StatusPending && j.Status != job.StatusFailed {
			continue
		}

		now := time.Now().UTC()
		// A promotion that raced a concurrent Fail can put a failed job back
		// in the ready set before its window has passed, and its stale ZRem
		// destroys the legitimate delayed entry. Re-park the member at its
		// recorded eligibility time rather than claim it early.
		if j.Status == job.StatusFailed && j.NextEligibleAt != nil && j.NextEligibleAt.After(now) {
			err := s.client.ZAdd(ctx, delayedKey, goredis.Z{
				Score:  float64(j.NextEligibleAt.UnixMilli()),
				Member: id,
			}).Err()
			if err != nil {
				return nil, fmt.Errorf("claim job: %w", err)
			}
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id),
			"status", string(job.StatusRunning),
			"next_eligible_at", "",
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.SRem(ctx, statusKey(string(j.Status)), id)
		pipe.SAdd(ctx, statusKey(string(job.StatusRunning)), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		j.Status = job.StatusRunning
		j.NextEligibleAt = nil
		j.UpdatedAt = now
		return j, nil
	}
}

// promoteDue moves delayed jobs whose eligibility time has passed into the
// ready set.
func (s *Store) promoteDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.client.ZRangeByScore(ctx, delayedKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	for _, id := range due {
		vals, err := s.client.HMGet(ctx, jobKey(id), "priority", "created_at").Result()
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		if prio, createdAt, ok := parsePromotionFields(vals); ok {
			pipe.ZAdd(ctx, readyKey, goredis.Z{Score: readyScore(prio, createdAt), Member: id})
		}
		// Orphaned members (job record gone) are simply dropped.
		pipe.ZRem(ctx, delayedKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func parsePromotionFields(vals []interface{}) (job.Priority, time.Time, bool) {
	if len(vals) != 2 {
		return 0, time.Time{}, false
	}
	ps, ok1 := vals[0].(string)
	cs, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return 0, time.Time{}, false
	}
	p, err := strconv.Atoi(ps)
	if err != nil {
		return 0, time.Time{}, false
	}
	createdAt, err := time.Parse(time.RFC3339Nano, cs)
	if err != nil {
		return 0, time.Time{}, false
	}
	return job.Priority(p), createdAt, true
}

// Complete marks a running job as succeeded.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	j, err := s.getByKey(ctx, jobKey(id.String()))
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if j == nil {
		return fmt.Errorf("complete job %s: %w", id, job.ErrNotFound)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("complete job %s: status %s: %w", id, j.Status, job.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	key := id.String()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(key),
		"status", string(job.StatusCompleted),
		"updated_at", now.Format(time.RFC3339Nano),
	)
	pipe.SRem(ctx, statusKey(string(job.StatusRunning)), key)
	pipe.SAdd(ctx, statusKey(string(job.StatusCompleted)), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a handler failure on a running job and returns the
// post-transition record.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) (*job.Job, error) {
	j, err := s.getByKey(ctx, jobKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	if j == nil {
		return nil, fmt.Errorf("fail job %s: %w", id, job.ErrNotFound)
	}
	if j.Status != job.StatusRunning {
		return nil, fmt.Errorf("fail job %s: status %s: %w", id, j.Status, job.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	canRetry := j.RetryCount < j.MaxRetries
	j.RetryCount++
	j.ErrorMessage = errMsg
	j.UpdatedAt = now

	key := id.String()
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, statusKey(string(job.StatusRunning)), key)
	if canRetry {
		j.Status = job.StatusFailed
		at := now.Add(s.backoff.Delay(j.RetryCount))
		j.NextEligibleAt = &at
		pipe.HSet(ctx, jobKey(key),
			"status", string(job.StatusFailed),
			"retry_count", strconv.Itoa(j.RetryCount),
			"error_message", errMsg,
			"next_eligible_at", at.Format(time.RFC3339Nano),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, statusKey(string(job.StatusFailed)), key)
		pipe.ZAdd(ctx, delayedKey, goredis.Z{Score: float64(at.UnixMilli()), Member: key})
	} else {
		j.Status = job.StatusDeadLetter
		j.NextEligibleAt = nil
		pipe.HSet(ctx, jobKey(key),
			"status", string(job.StatusDeadLetter),
			"retry_count", strconv.Itoa(j.RetryCount),
			"error_message", errMsg,
			"next_eligible_at", "",
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, statusKey(string(job.StatusDeadLetter)), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fail job %s: %w", id, err)
	}
	return j, nil
}

// Get retrieves a job by ID. Returns (nil, nil) when no job matches.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := s.getByKey(ctx, jobKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// List returns jobs matching f, newest first.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	statuses := job.Statuses
	if f.Status != nil {
		statuses = []job.Status{*f.Status}
	}

	var ids []string
	for _, st := range statuses {
		members, err := s.client.SMembers(ctx, statusKey(string(st))).Result()
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		ids = append(ids, members...)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.getByKey(ctx, jobKey(id))
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		if j == nil {
			continue
		}
		if f.Priority != nil && j.Priority != *f.Priority {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() > jobs[k].ID.String()
	})

	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// Stats returns per-status job counts.
func (s *Store) Stats(ctx context.Context) (*job.Stats, error) {
	pipe := s.client.Pipeline()
	cards := make(map[job.Status]*goredis.IntCmd, len(job.Statuses))
	for _, st := range job.Statuses {
		cards[st] = pipe.SCard(ctx, statusKey(string(st)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &job.Stats{
		Pending:    int(cards[job.StatusPending].Val()),
		Running:    int(cards[job.StatusRunning].Val()),
		Completed:  int(cards[job.StatusCompleted].Val()),
		Failed:     int(cards[job.StatusFailed].Val()),
		DeadLetter: int(cards[job.StatusDeadLetter].Val()),
	}, nil
}

// Resubmit clones a dead_letter job into a brand-new pending job. The
// source record is left untouched.
func (s *Store) Resubmit(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	j, err := s.getByKey(ctx, jobKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("resubmit job %s: %w", id, err)
	}
	if j == nil {
		return nil, fmt.Errorf("resubmit job %s: %w", id, job.ErrNotFound)
	}
	if j.Status != job.StatusDeadLetter {
		return nil, fmt.Errorf("resubmit job %s: status %s: %w", id, j.Status, job.ErrInvalidTransition)
	}

	nj := job.New(j.Payload, j.Priority, j.MaxRetries)
	if err := s.insert(ctx, nj); err != nil {
		return nil, fmt.Errorf("resubmit job %s: %w", id, err)
	}
	return nj, nil
}

// RecoverStale resets running jobs untouched for longer than olderThan back
// to pending. Returns the number of jobs reset.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ids, err := s.client.SMembers(ctx, statusKey(string(job.StatusRunning))).Result()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, id := range ids {
		j, err := s.getByKey(ctx, jobKey(id))
		if err != nil {
			return n, fmt.Errorf("recover stale jobs: %w", err)
		}
		if j == nil || j.Status != job.StatusRunning || !j.UpdatedAt.Before(cutoff) {
			continue
		}

		now := time.Now().UTC()
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(id),
			"status", string(job.StatusPending),
			"next_eligible_at", "",
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.SRem(ctx, statusKey(string(job.StatusRunning)), id)
		pipe.SAdd(ctx, statusKey(string(job.StatusPending)), id)
		pipe.ZAdd(ctx, readyKey, goredis.Z{Score: readyScore(j.Priority, j.CreatedAt), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("recover stale jobs: %w", err)
		}
		n++
	}
	return n, nil
}

// ── hash codec ────────────────────────────────────────────────────────────────

func jobFields(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"payload":       string(j.Payload),
		"priority":      strconv.Itoa(int(j.Priority)),
		"status":        string(j.Status),
		"retry_count":   strconv.Itoa(j.RetryCount),
		"max_retries":   strconv.Itoa(j.MaxRetries),
		"error_message": j.ErrorMessage,
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.NextEligibleAt != nil {
		m["next_eligible_at"] = j.NextEligibleAt.Format(time.RFC3339Nano)
	} else {
		m["next_eligible_at"] = ""
	}
	return m
}

func (s *Store) getByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return s.jobFromFields(vals)
}

// jobFromFields decodes a job hash. Every field was written by this store,
// so a parse failure means a corrupt record. Only an unparsable id is fatal
// (nothing can be addressed without it); the other fields decode to zero
// values so claim loops keep moving, but each bad field is logged. A
// silently reset retry_count would otherwise let a job outlive its retry
// bound without a trace.
func (s *Store) jobFromFields(m map[string]string) (*job.Job, error) {
	id, err := uuid.Parse(m["id"])
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}

	warn := func(field string, err error) {
		s.logger.Warn("corrupt job record field",
			"job_id", m["id"], "field", field, "value", m[field], "error", err)
	}
	atoi := func(field string) int {
		n, err := strconv.Atoi(m[field])
		if err != nil {
			warn(field, err)
		}
		return n
	}
	parseTime := func(field string) time.Time {
		ts, err := time.Parse(time.RFC3339Nano, m[field])
		if err != nil {
			warn(field, err)
		}
		return ts
	}

	j := &job.Job{
		ID:           id,
		Payload:      []byte(m["payload"]),
		Priority:     job.Priority(atoi("priority")),
		Status:       job.Status(m["status"]),
		RetryCount:   atoi("retry_count"),
		MaxRetries:   atoi("max_retries"),
		ErrorMessage: m["error_message"],
		CreatedAt:    parseTime("created_at"),
		UpdatedAt:    parseTime("updated_at"),
	}
	if m["next_eligible_at"] != "" {
		t := parseTime("next_eligible_at")
		j.NextEligibleAt = &t
	}
	return j, nil
}
