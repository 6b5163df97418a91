// Package worker provides the bounded goroutine pool that claims jobs from
// a store and executes them.
//
// Each of the pool's goroutines loops claim → execute → resolve: a handler
// return of nil completes the job, any error (or panic) reports a failure,
// and the store decides between a retry with backoff and the dead-letter
// state. Stopping the pool lets in-flight handlers finish; it never cancels
// them mid-run.
package worker

import (
	"context"
	"log/slog"
)

// Handler is the function executed for each claimed job. The payload is the
// job's opaque bytes; the queue never interprets them. A non-nil return
// reports the attempt as failed and drives the retry state machine. A nil
// return marks the job succeeded.
type Handler func(ctx context.Context, payload []byte) error

// LogHandler returns a Handler that logs each payload and succeeds. It is
// the daemon's default when no real handler is wired in, and a convenient
// smoke-test workload.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, payload []byte) error {
		logger.Info("job payload received", "payload_len", len(payload))
		return nil
	}
}
