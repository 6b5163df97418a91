// Package memory implements the job store in process memory. Intended for
// tests and local development; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tgrange/jobq/internal/backoff"
	"github.com/tgrange/jobq/internal/job"
)

// Ensure Store satisfies the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// entry wraps a stored job with an insertion sequence number. The sequence
// breaks claim-order ties between jobs created within the same clock tick,
// where CreatedAt alone cannot order them.
type entry struct {
	job *job.Job
	seq uint64
}

// Store is a fully in-memory job store. Safe for concurrent access; all
// claim decisions happen under one lock, so no two callers can claim the
// same job.
type Store struct {
	mu      sync.RWMutex
	jobs    map[uuid.UUID]*entry
	nextSeq uint64
	backoff backoff.Strategy
}

// Option configures a Store.
type Option func(*Store)

// WithBackoff overrides the retry delay policy applied by Fail.
func WithBackoff(b backoff.Strategy) Option {
	return func(s *Store) {
		if b != nil {
			s.backoff = b
		}
	}
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:    make(map[uuid.UUID]*entry),
		backoff: backoff.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue stores a new pending job and returns a copy of it.
func (s *Store) Enqueue(_ context.Context, payload []byte, priority job.Priority, maxRetries int) (*job.Job, error) {
	j := job.New(payload, priority, maxRetries)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.jobs[j.ID] = &entry{job: j, seq: s.nextSeq}
	return j.Clone(), nil
}

// ClaimNext claims the highest-priority, oldest eligible job. Returns
// (nil, nil) when no job is eligible.
func (s *Store) ClaimNext(_ context.Context) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		switch e.job.Status {
		case job.StatusPending:
			candidates = append(candidates, e)
		case job.StatusFailed:
			if e.job.NextEligibleAt != nil && !e.job.NextEligibleAt.After(now) {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Priority DESC, then creation order ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].job.Priority != candidates[k].job.Priority {
			return candidates[i].job.Priority > candidates[k].job.Priority
		}
		if !candidates[i].job.CreatedAt.Equal(candidates[k].job.CreatedAt) {
			return candidates[i].job.CreatedAt.Before(candidates[k].job.CreatedAt)
		}
		return candidates[i].seq < candidates[k].seq
	})

	j := candidates[0].job
	j.Status = job.StatusRunning
	j.NextEligibleAt = nil
	j.UpdatedAt = now
	return j.Clone(), nil
}

// Complete marks a running job as succeeded.
func (s *Store) Complete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("complete job %s: %w", id, job.ErrNotFound)
	}
	if e.job.Status != job.StatusRunning {
		return fmt.Errorf("complete job %s: status %s: %w", id, e.job.Status, job.ErrInvalidTransition)
	}
	e.job.Status = job.StatusCompleted
	e.job.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail records a handler failure on a running job and returns a copy of the
// post-transition record.
func (s *Store) Fail(_ context.Context, id uuid.UUID, errMsg string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("fail job %s: %w", id, job.ErrNotFound)
	}
	j := e.job
	if j.Status != job.StatusRunning {
		return nil, fmt.Errorf("fail job %s: status %s: %w", id, j.Status, job.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	canRetry := j.RetryCount < j.MaxRetries
	j.RetryCount++
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	if canRetry {
		j.Status = job.StatusFailed
		at := now.Add(s.backoff.Delay(j.RetryCount))
		j.NextEligibleAt = &at
	} else {
		j.Status = job.StatusDeadLetter
		j.NextEligibleAt = nil
	}
	return j.Clone(), nil
}

// Get retrieves a job by ID. Returns (nil, nil) when no job matches.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return e.job.Clone(), nil
}

// List returns jobs matching f, newest first.
func (s *Store) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if f.Status != nil && e.job.Status != *f.Status {
			continue
		}
		if f.Priority != nil && e.job.Priority != *f.Priority {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].job.CreatedAt.Equal(matched[k].job.CreatedAt) {
			return matched[i].job.CreatedAt.After(matched[k].job.CreatedAt)
		}
		return matched[i].seq > matched[k].seq
	})

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	result := make([]*job.Job, len(matched))
	for i, e := range matched {
		result[i] = e.job.Clone()
	}
	return result, nil
}

// Stats returns per-status job counts.
func (s *Store) Stats(_ context.Context) (*job.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &job.Stats{}
	for _, e := range s.jobs {
		switch e.job.Status {
		case job.StatusPending:
			stats.Pending++
		case job.StatusRunning:
			stats.Running++
		case job.StatusCompleted:
			stats.Completed++
		case job.StatusFailed:
			stats.Failed++
		case job.StatusDeadLetter:
			stats.DeadLetter++
		}
	}
	return stats, nil
}

// Resubmit clones a dead_letter job into a brand-new pending job. The
// source record is left untouched.
func (s *Store) Resubmit(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("resubmit job %s: %w", id, job.ErrNotFound)
	}
	if e.job.Status != job.StatusDeadLetter {
		return nil, fmt.Errorf("resubmit job %s: status %s: %w", id, e.job.Status, job.ErrInvalidTransition)
	}

	j := job.New(e.job.Payload, e.job.Priority, e.job.MaxRetries)
	s.nextSeq++
	s.jobs[j.ID] = &entry{job: j, seq: s.nextSeq}
	return j.Clone(), nil
}

// RecoverStale resets running jobs untouched for longer than olderThan back
// to pending. Returns the number of jobs reset.
func (s *Store) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	n := 0
	for _, e := range s.jobs {
		if e.job.Status == job.StatusRunning && e.job.UpdatedAt.Before(cutoff) {
			e.job.Status = job.StatusPending
			e.job.NextEligibleAt = nil
			e.job.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// Migrate is a no-op; the memory store has no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports the store as always reachable.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close discards all jobs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[uuid.UUID]*entry)
	return nil
}
