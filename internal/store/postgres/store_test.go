package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tgrange/jobq/internal/backoff"
	"github.com/tgrange/jobq/internal/job"
	"github.com/tgrange/jobq/internal/store"
	"github.com/tgrange/jobq/internal/testutil"
)

// enqueueSpaced enqueues a job and waits long enough that created_at
// timestamps are strictly increasing, keeping claim order deterministic.
func enqueueSpaced(t *testing.T, s store.Store, payload string, p job.Priority, maxRetries int) *job.Job {
	t.Helper()
	j, err := s.Enqueue(context.Background(), []byte(payload), p, maxRetries)
	if err != nil {
		t.Fatalf("enqueue %q: %v", payload, err)
	}
	time.Sleep(2 * time.Millisecond)
	return j
}

func TestClaimOrderingAndCompletion(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	low := enqueueSpaced(t, s, "low", job.PriorityLow, 0)
	normalFirst := enqueueSpaced(t, s, "normal-1", job.PriorityNormal, 0)
	normalSecond := enqueueSpaced(t, s, "normal-2", job.PriorityNormal, 0)
	critical := enqueueSpaced(t, s, "critical", job.PriorityCritical, 0)

	// Priority dominates; submission order breaks ties.
	wantOrder := []uuid.UUID{critical.ID, normalFirst.ID, normalSecond.ID, low.ID}
	for i, want := range wantOrder {
		claimed, err := s.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext #%d: %v", i, err)
		}
		if claimed == nil || claimed.ID != want {
			t.Fatalf("claim #%d = %v, want job %s", i, claimed, want)
		}
		if claimed.Status != job.StatusRunning {
			t.Errorf("claimed status = %s, want %s", claimed.Status, job.StatusRunning)
		}
	}
	if c, err := s.ClaimNext(ctx); err != nil || c != nil {
		t.Fatalf("ClaimNext on empty = %v, %v; want nil, nil", c, err)
	}

	if err := s.Complete(ctx, critical.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := s.Get(ctx, critical.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want %s", got.Status, job.StatusCompleted)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %s not after CreatedAt %s", got.UpdatedAt, got.CreatedAt)
	}

	// Completed is terminal; unknown IDs are a distinct error.
	if err := s.Complete(ctx, critical.ID); !errors.Is(err, job.ErrInvalidTransition) {
		t.Fatalf("Complete twice: got %v, want ErrInvalidTransition", err)
	}
	if err := s.Complete(ctx, uuid.New()); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Complete unknown: got %v, want ErrNotFound", err)
	}

	// Unknown Get is (nil, nil).
	if j, err := s.Get(ctx, uuid.New()); err != nil || j != nil {
		t.Fatalf("Get unknown = %v, %v; want nil, nil", j, err)
	}
}

func TestRetryFlow(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, store.WithBackoff(backoff.Constant{Interval: 50 * time.Millisecond}))
	ctx := context.Background()

	j, err := s.Enqueue(ctx, []byte("flaky"), job.PriorityNormal, 1)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	failed, err := s.Fail(ctx, j.ID, "first failure")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != job.StatusFailed || failed.RetryCount != 1 {
		t.Fatalf("after first Fail: %s rc=%d, want failed rc=1", failed.Status, failed.RetryCount)
	}
	if failed.NextEligibleAt == nil {
		t.Fatal("NextEligibleAt not set on retryable failure")
	}
	if failed.ErrorMessage != "first failure" {
		t.Errorf("error message = %q, want %q", failed.ErrorMessage, "first failure")
	}

	// Invisible inside the backoff window.
	if c, err := s.ClaimNext(ctx); err != nil || c != nil {
		t.Fatalf("ClaimNext inside window = %v, %v; want nil, nil", c, err)
	}

	time.Sleep(100 * time.Millisecond)

	claimed, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext after window: %v", err)
	}
	if claimed == nil || claimed.ID != j.ID {
		t.Fatalf("ClaimNext after window = %v, want job %s", claimed, j.ID)
	}
	if claimed.NextEligibleAt != nil {
		t.Errorf("NextEligibleAt = %v, want cleared on claim", claimed.NextEligibleAt)
	}

	// Budget exhausted: one initial attempt plus one retry.
	dead, err := s.Fail(ctx, j.ID, "second failure")
	if err != nil {
		t.Fatalf("Fail final: %v", err)
	}
	if dead.Status != job.StatusDeadLetter || dead.RetryCount != 2 {
		t.Fatalf("after final Fail: %s rc=%d, want dead_letter rc=2", dead.Status, dead.RetryCount)
	}
	if dead.NextEligibleAt != nil {
		t.Errorf("NextEligibleAt = %v, want nil in dead_letter", dead.NextEligibleAt)
	}

	if _, err := s.Fail(ctx, j.ID, "again"); !errors.Is(err, job.ErrInvalidTransition) {
		t.Fatalf("Fail dead_letter: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Fail(ctx, uuid.New(), "x"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Fail unknown: got %v, want ErrNotFound", err)
	}
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	const total = 30
	for i := 0; i < total; i++ {
		if _, err := s.Enqueue(ctx, []byte("x"), job.PriorityNormal, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)

	// FOR UPDATE SKIP LOCKED must hand every job to exactly one claimer.
	g := new(errgroup.Group)
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for {
				j, err := s.ClaimNext(ctx)
				if err != nil {
					return err
				}
				if j == nil {
					return nil
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent claim: %v", err)
	}

	if len(seen) != total {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times, want exactly once", id, n)
		}
	}
}

func TestResubmitAndRecoverStale(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	j, err := s.Enqueue(ctx, []byte("doomed"), job.PriorityHigh, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := s.Fail(ctx, j.ID, "fatal"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// Resubmit clones payload and policy into a fresh pending job.
	nj, err := s.Resubmit(ctx, j.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if nj.ID == j.ID {
		t.Error("resubmitted job reuses the source ID, want a fresh one")
	}
	if nj.Status != job.StatusPending || nj.RetryCount != 0 {
		t.Errorf("resubmitted job = %s rc=%d, want pending rc=0", nj.Status, nj.RetryCount)
	}
	if string(nj.Payload) != "doomed" || nj.Priority != job.PriorityHigh {
		t.Errorf("resubmitted payload/priority = %q %s, want carried over", nj.Payload, nj.Priority)
	}
	src, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get source: %v", err)
	}
	if src.Status != job.StatusDeadLetter {
		t.Errorf("source status = %s, want %s", src.Status, job.StatusDeadLetter)
	}
	if _, err := s.Resubmit(ctx, nj.ID); !errors.Is(err, job.ErrInvalidTransition) {
		t.Fatalf("Resubmit pending: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.Resubmit(ctx, uuid.New()); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Resubmit unknown: got %v, want ErrNotFound", err)
	}

	// Claim the clone, then verify stale recovery brings it back.
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext clone: %v", err)
	}
	n, err := s.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d jobs with 1h cutoff, want 0", n)
	}
	time.Sleep(10 * time.Millisecond)
	n, err = s.RecoverStale(ctx, 0)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d jobs with zero cutoff, want 1", n)
	}
	recovered, err := s.Get(ctx, nj.ID)
	if err != nil {
		t.Fatalf("Get recovered: %v", err)
	}
	if recovered.Status != job.StatusPending {
		t.Errorf("recovered status = %s, want %s", recovered.Status, job.StatusPending)
	}
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	first := enqueueSpaced(t, s, "1", job.PriorityLow, 0)
	second := enqueueSpaced(t, s, "2", job.PriorityHigh, 0)
	third := enqueueSpaced(t, s, "3", job.PriorityHigh, 0)

	all, err := s.List(ctx, job.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d jobs, want 3", len(all))
	}
	if all[0].ID != third.ID || all[2].ID != first.ID {
		t.Errorf("List order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	high := job.PriorityHigh
	byPriority, err := s.List(ctx, job.Filter{Priority: &high, Limit: 10})
	if err != nil {
		t.Fatalf("List priority: %v", err)
	}
	if len(byPriority) != 2 {
		t.Errorf("List priority=high returned %d jobs, want 2", len(byPriority))
	}

	// second is the oldest high-priority job, so it is claimed first.
	claimed, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed.ID != second.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, second.ID)
	}
	if err := s.Complete(ctx, claimed.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	pending := job.StatusPending
	byStatus, err := s.List(ctx, job.Filter{Status: &pending})
	if err != nil {
		t.Fatalf("List status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Errorf("List status=pending returned %d jobs, want 2", len(byStatus))
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := job.Stats{Pending: 2, Completed: 1}
	if *stats != want {
		t.Errorf("Stats = %+v, want %+v", *stats, want)
	}
}
