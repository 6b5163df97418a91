// Package backoff computes retry delays for failed jobs. Strategies are
// stateless and safe for concurrent use; storage backends apply them when a
// job fails with retries remaining.
package backoff

import (
	"math"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
// Useful in tests that need short, predictable windows.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max. Attempts below 1
// are treated as 1.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	// d can overflow to a negative value for absurd attempt numbers; the cap
	// covers that case too.
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// Default returns the queue's standard policy: 2s doubling per attempt,
// capped at 32s. The n-th failure of a job waits min(2^n, 32) seconds.
func Default() Strategy {
	return Exponential{Initial: 2 * time.Second, Max: 32 * time.Second}
}
