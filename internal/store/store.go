// Package store selects and constructs a queue backend from a URL. The job
// operations themselves are defined by job.Store; this package adds the
// lifecycle surface (Migrate, Ping, Close) and the scheme-based factory.
//
// Backends: PostgreSQL (postgres://), Redis (redis://), and an in-process
// memory store for tests and development (memory://).
package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tgrange/jobq/internal/backoff"
	"github.com/tgrange/jobq/internal/job"
	"github.com/tgrange/jobq/internal/store/memory"
	"github.com/tgrange/jobq/internal/store/postgres"
	"github.com/tgrange/jobq/internal/store/redis"
)

// Store is the full backend contract: job operations plus lifecycle.
type Store interface {
	job.Store

	// Migrate applies any schema the backend needs. No-op for schemaless
	// backends.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

type options struct {
	backoff backoff.Strategy
	logger  *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithBackoff overrides the retry delay policy the backend applies when a
// job fails with retries remaining. Defaults to backoff.Default().
func WithBackoff(b backoff.Strategy) Option {
	return func(o *options) { o.backoff = b }
}

// WithLogger sets the logger backends use for diagnostics, such as corrupt
// record reports. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open constructs the backend named by rawURL's scheme and verifies it is
// reachable. The caller owns the returned Store and must Close it.
func Open(ctx context.Context, rawURL string, opts ...Option) (Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		pool, err := pgxpool.New(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return postgres.New(pool, postgres.WithBackoff(o.backoff)), nil

	case "redis", "rediss":
		ropts, err := goredis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		client := goredis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close() //nolint:errcheck
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return redis.New(client, redis.WithBackoff(o.backoff), redis.WithLogger(o.logger)), nil

	case "memory":
		return memory.New(memory.WithBackoff(o.backoff)), nil

	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
