// Command jobqd is the job queue worker daemon.
//
// Subcommands:
//
//	run      start the worker pool and optional ops HTTP listener
//	migrate  apply pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/tgrange/jobq/internal/config"
	"github.com/tgrange/jobq/internal/notify"
	"github.com/tgrange/jobq/internal/ops"
	"github.com/tgrange/jobq/internal/store"
	"github.com/tgrange/jobq/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:   "jobqd",
		Short: "Job queue worker daemon",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and optional ops HTTP listener",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	st, err := openStore(cmd.Context(), cfg, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	poolOpts := []worker.Option{
		worker.WithWorkers(cfg.WorkerCount),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithLogger(logger),
	}

	if cfg.DeadLetterWebhookURL != "" {
		client, err := notify.BuildSafeClient()
		if err != nil {
			return fmt.Errorf("webhook client: %w", err)
		}
		wh := notify.NewWebhook(cfg.DeadLetterWebhookURL, cfg.DeadLetterWebhookSecret, client, logger)
		poolOpts = append(poolOpts, worker.WithDeadLetterHook(wh.Hook()))
	}

	pool := worker.New(st, echoHandler, poolOpts...)
	pool.Start()

	// Optional ops listener. Explicit timeouts prevent Slowloris-style
	// connection hoarding.
	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.OpsListenAddr != "" {
		srv = &http.Server{
			Addr:              cfg.OpsListenAddr,
			Handler:           ops.NewServer(st, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("ops listener started", "addr", cfg.OpsListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	select {
	case err := <-serverErr:
		pool.Stop()
		return fmt.Errorf("ops listener error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down")

	var shutdownErr error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("ops listener shutdown: %w", err)
		}
	}

	pool.Stop() // blocks until in-flight jobs resolve
	slog.Info("daemon stopped")
	return shutdownErr
}

// echoHandler is the reference job handler: it logs the payload and simulates
// two seconds of work. Payloads containing "fail" report an error, which
// exercises the retry and dead-letter paths in development. Real deployments
// build their own binary around worker.Pool with a domain handler.
func echoHandler(_ context.Context, payload []byte) error {
	message := string(payload)
	slog.Info("processing job", "payload", message)

	time.Sleep(2 * time.Second)

	if strings.Contains(message, "fail") {
		return errors.New("simulated failure")
	}

	slog.Info("job processed", "payload", message)
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")

	st, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	if err := st.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	slog.Info("migrations complete")
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// openStore connects to the configured backend, retrying up to 10 times with
// linear backoff to handle container-orchestration startup races where the
// database is not immediately ready.
func openStore(ctx context.Context, cfg *config.Config, opts ...store.Option) (store.Store, error) {
	var (
		st      store.Store
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		st, connErr = store.Open(ctx, cfg.DatabaseURL, opts...)
		if connErr == nil {
			return st, nil
		}
		slog.Warn("store not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("store unavailable after retries: %w", connErr)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
