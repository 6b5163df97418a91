// Package postgres implements the job store on PostgreSQL. Claims use a
// single UPDATE over a FOR UPDATE SKIP LOCKED subquery so concurrent workers
// never receive the same job; dynamic list queries are built with squirrel;
// the schema ships embedded and is applied by Migrate via golang-migrate.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/tgrange/jobq/internal/backoff"
	"github.com/tgrange/jobq/internal/job"
	"github.com/tgrange/jobq/migrations"
)

// Ensure Store satisfies the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a PostgreSQL-backed job store. Safe for concurrent use; all
// methods go through the shared pgx pool.
type Store struct {
	pool    *pgxpool.Pool
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

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		backoff: backoff.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies all pending schema migrations from the embedded SQL files.
//
// golang-migrate requires a *sql.DB, so a one-shot connection is opened via
// pgx's stdlib adapter. Simple query protocol lets postgres execute
// multi-statement migration files natively; extended protocol would reject
// them.
func (s *Store) Migrate(ctx context.Context) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	connCfg, err := pgx.ParseConfig(s.pool.Config().ConnString())
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migration connect: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
