package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/tgrange/jobq/internal/job"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 1 * time.Second
)

// Pool manages a fixed set of goroutines that claim and execute jobs.
// A Pool is single-use: once stopped it cannot be started again.
type Pool struct {
	store        job.Store
	handler      Handler
	workers      int
	pollInterval time.Duration
	logger       *slog.Logger
	deadLetter   func(ctx context.Context, j *job.Job)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent worker goroutines.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits before checking for
// jobs again.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLogger sets the pool's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithDeadLetterHook registers fn to be called after a job lands in
// dead_letter. The transition is already durable when fn runs; fn cannot
// affect it.
func WithDeadLetterHook(fn func(ctx context.Context, j *job.Job)) Option {
	return func(p *Pool) { p.deadLetter = fn }
}

// New creates a Pool that executes claimed jobs with h. A nil h falls back
// to LogHandler.
func New(st job.Store, h Handler, opts ...Option) *Pool {
	p := &Pool{
		store:        st,
		handler:      h,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.handler == nil {
		p.handler = LogHandler(p.logger)
	}
	return p
}

// Start launches the worker goroutines and returns immediately. Calling
// Start on a running or stopped pool does nothing.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return
	}
	p.running = true

	p.logger.Info("worker pool starting",
		"workers", p.workers, "poll_interval", p.pollInterval)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop signals the workers to stop and blocks until every one of them has
// exited. In-flight handler calls run to completion; nothing is cancelled
// mid-job. Safe to call more than once and from multiple goroutines; every
// call waits for the drain to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.running {
		p.running = false
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// run is one worker goroutine's loop: claim until the store is empty, then
// idle one poll interval, until stop is requested.
func (p *Pool) run(workerID int) {
	defer p.wg.Done()

	p.logger.Info("worker started", "worker", workerID)

	for {
		select {
		case <-p.stopCh:
			p.logger.Info("worker stopping", "worker", workerID)
			return
		default:
		}

		j, err := p.store.ClaimNext(context.Background())
		if err != nil {
			p.logger.Error("claim job error", "worker", workerID, "error", err)
			claimErrorsTotal.Inc()
			p.idle()
			continue
		}
		if j == nil {
			p.idle()
			continue
		}

		p.process(workerID, j)
	}
}

// idle waits one poll interval or until stop is requested. Uses
// time.NewTimer (not time.After) to avoid leaking the timer on stop.
func (p *Pool) idle() {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-p.stopCh:
	case <-timer.C:
	}
}

// process executes one claimed job and resolves its outcome. Store errors
// during resolution are logged but do not stop the worker; an unresolved
// running job is recoverable by the operator later.
func (p *Pool) process(workerID int, j *job.Job) {
	claimedTotal.Inc()
	p.logger.Info("executing job",
		"worker", workerID, "job_id", j.ID,
		"priority", j.Priority, "retry_count", j.RetryCount)

	start := time.Now()
	err := p.execute(j)
	jobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := p.store.Complete(context.Background(), j.ID); cerr != nil {
			p.logger.Error("complete job error", "job_id", j.ID, "error", cerr)
			return
		}
		completedTotal.Inc()
		p.logger.Info("job completed", "worker", workerID, "job_id", j.ID)
		return
	}

	p.logger.Error("job handler failed",
		"worker", workerID, "job_id", j.ID, "error", err)

	failed, ferr := p.store.Fail(context.Background(), j.ID, err.Error())
	if ferr != nil {
		p.logger.Error("fail job error", "job_id", j.ID, "error", ferr)
		return
	}

	if failed.Status == job.StatusDeadLetter {
		deadLetteredTotal.Inc()
		p.logger.Warn("job dead-lettered",
			"job_id", failed.ID, "retry_count", failed.RetryCount, "error", failed.ErrorMessage)
		if p.deadLetter != nil {
			p.deadLetter(context.Background(), failed)
		}
		return
	}

	retriedTotal.Inc()
	p.logger.Info("job scheduled for retry",
		"job_id", failed.ID, "retry_count", failed.RetryCount,
		"next_eligible_at", failed.NextEligibleAt)
}

// execute runs the handler with panic recovery. A panicking handler is
// reported as an ordinary failure so it follows the same retry path.
func (p *Pool) execute(j *job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			p.logger.Error("job handler panicked",
				"job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return p.handler(context.Background(), j.Payload)
}
