// Package redis implements the job store on Redis for deployments that do
// not want a relational database. Each job is a Hash; claimable jobs sit in
// a "ready" Sorted Set whose score encodes priority and age, and jobs in a
// backoff window sit in a "delayed" Sorted Set scored by eligibility time.
// ZPOPMIN is the single claim arbiter, so no two workers receive the same
// job.
package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tgrange/jobq/internal/backoff"
	"github.com/tgrange/jobq/internal/job"
)

// Ensure Store satisfies the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a Redis-backed job store. It owns the client passed to New and
// closes it in Close.
type Store struct {
	client  *goredis.Client
	backoff backoff.Strategy
	logger  *slog.Logger
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

// WithLogger sets the logger used to report corrupt records. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Store backed by client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		backoff: backoff.Default(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client for callers that need direct
// access to the queue structures (e.g. tests).
func (s *Store) Client() *goredis.Client { return s.client }

// Migrate is a no-op; Redis is schemaless.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
