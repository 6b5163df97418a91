// Command jobq is the job queue operator CLI.
//
// Subcommands:
//
//	submit        enqueue a single job
//	submit-batch  enqueue jobs from an NDJSON file
//	status        show one job
//	list          list jobs with optional filters
//	stats         per-status queue counts
//	resubmit      clone a dead-letter job back into the queue
//	recover       reset stale running jobs to pending
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tgrange/jobq/internal/config"
	"github.com/tgrange/jobq/internal/job"
	"github.com/tgrange/jobq/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "jobq",
		Short: "Persistent priority job queue client",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		submitCmd(),
		submitBatchCmd(),
		statusCmd(),
		listCmd(),
		statsCmd(),
		resubmitCmd(),
		recoverCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── submit ────────────────────────────────────────────────────────────────────

func submitCmd() *cobra.Command {
	var (
		payload    string
		priority   string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a single job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			pr, err := job.ParsePriority(priority)
			if err != nil {
				return err
			}
			if maxRetries < 0 {
				maxRetries = cfg.DefaultMaxRetries
			}

			j, err := st.Enqueue(cmd.Context(), []byte(payload), pr, maxRetries)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			fmt.Printf("Submitting job %s with priority %s\n", j.ID, j.Priority)
			fmt.Println("Job submitted successfully!")
			fmt.Printf("Job ID: %s\n", j.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "job payload (required)")
	cmd.Flags().StringVarP(&priority, "priority", "r", "normal", "priority: low, normal, high, critical")
	cmd.Flags().IntVarP(&maxRetries, "max-retries", "m", -1, "retry budget (default DEFAULT_MAX_RETRIES)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

// ── submit-batch ──────────────────────────────────────────────────────────────

// batchLine is one NDJSON record in a submit-batch input file.
type batchLine struct {
	Payload    string `json:"payload"`
	Priority   string `json:"priority"`
	MaxRetries *int   `json:"max_retries"`
}

// batchJob is a fully validated line, ready to enqueue.
type batchJob struct {
	payload    []byte
	priority   job.Priority
	maxRetries int
}

func submitBatchCmd() *cobra.Command {
	var (
		file        string
		rateLimit   float64
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "submit-batch",
		Short: "Enqueue jobs from an NDJSON file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
			}

			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			var in io.Reader
			if file == "-" {
				in = os.Stdin
			} else {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open batch file: %w", err)
				}
				defer f.Close() //nolint:errcheck
				in = f
			}

			// Every line is validated before the first enqueue, so a bad
			// line aborts the batch without partial submission.
			jobs, err := parseBatch(in, cfg.DefaultMaxRetries)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs to submit")
				return nil
			}

			lim := rate.Inf
			if rateLimit > 0 {
				lim = rate.Limit(rateLimit)
			}
			limiter := rate.NewLimiter(lim, 1)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for i, bj := range jobs {
				g.Go(func() error {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
					if _, err := st.Enqueue(ctx, bj.payload, bj.priority, bj.maxRetries); err != nil {
						return fmt.Errorf("line %d: %w", i+1, err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return fmt.Errorf("submit batch: %w", err)
			}

			fmt.Printf("Submitted %d jobs\n", len(jobs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "NDJSON file, one job per line; - reads stdin (required)")
	cmd.Flags().Float64Var(&rateLimit, "rate", 0, "max submissions per second (0 = unlimited)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "concurrent submissions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// parseBatch reads NDJSON records and resolves defaults. Blank lines are
// skipped; any malformed line fails the whole batch.
func parseBatch(in io.Reader, defaultMaxRetries int) ([]batchJob, error) {
	var jobs []batchJob

	sc := bufio.NewScanner(in)
	// Allow payload lines up to 1 MiB.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var bl batchLine
		if err := json.Unmarshal(line, &bl); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if bl.Payload == "" {
			return nil, fmt.Errorf("line %d: payload is required", lineNo)
		}

		pr := job.PriorityNormal
		if bl.Priority != "" {
			var err error
			if pr, err = job.ParsePriority(bl.Priority); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		}

		mr := defaultMaxRetries
		if bl.MaxRetries != nil {
			if *bl.MaxRetries < 0 {
				return nil, fmt.Errorf("line %d: max_retries must not be negative", lineNo)
			}
			mr = *bl.MaxRetries
		}

		jobs = append(jobs, batchJob{payload: []byte(bl.Payload), priority: pr, maxRetries: mr})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	return jobs, nil
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			j, err := st.Get(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			if j == nil {
				fmt.Printf("Job not found: %s\n", args[0])
				return nil
			}

			fmt.Printf("Job ID: %s\n", j.ID)
			fmt.Printf("Status: %s\n", j.Status)
			fmt.Printf("Priority: %s\n", j.Priority)
			fmt.Printf("Retries: %d/%d\n", j.RetryCount, j.MaxRetries)
			fmt.Printf("Created: %s\n", j.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated: %s\n", j.UpdatedAt.Format(time.RFC3339))
			if j.NextEligibleAt != nil {
				fmt.Printf("Next eligible: %s\n", j.NextEligibleAt.Format(time.RFC3339))
			}
			if j.ErrorMessage != "" {
				fmt.Printf("Error: %s\n", j.ErrorMessage)
			}
			fmt.Printf("Payload: %s\n", j.Payload)
			return nil
		},
	}
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		status   string
		priority string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs with optional filters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			filter := job.Filter{Limit: limit}
			if status != "" {
				s := job.Status(status)
				if !s.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				filter.Status = &s
			}
			if priority != "" {
				pr, err := job.ParsePriority(priority)
				if err != nil {
					return err
				}
				filter.Priority = &pr
			}

			jobs, err := st.List(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tRETRIES\tCREATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					j.ID, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
					j.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows (0 = no limit)")
	return cmd
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Per-status queue counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}

			fmt.Println("Job Queue Statistics:")
			fmt.Printf("  Pending: %d\n", stats.Pending)
			fmt.Printf("  Running: %d\n", stats.Running)
			fmt.Printf("  Completed: %d\n", stats.Completed)
			fmt.Printf("  Failed: %d\n", stats.Failed)
			fmt.Printf("  Dead Letter: %d\n", stats.DeadLetter)
			return nil
		},
	}
}

// ── resubmit ──────────────────────────────────────────────────────────────────

func resubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Clone a dead-letter job back into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			nj, err := st.Resubmit(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("resubmit job: %w", err)
			}

			fmt.Printf("Job %s resubmitted as %s\n", id, nj.ID)
			return nil
		},
	}
}

// ── recover ───────────────────────────────────────────────────────────────────

func recoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reset stale running jobs to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			n, err := st.RecoverStale(cmd.Context(), olderThan)
			if err != nil {
				return fmt.Errorf("recover stale jobs: %w", err)
			}

			fmt.Printf("Recovered %d stale jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute,
		"running jobs untouched for at least this long are reset")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// openStore loads config, installs the logger, and connects to the store.
// CLI commands are one-shot, so there is no connect retry here.
func openStore(ctx context.Context) (store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	return st, cfg, nil
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
