package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pool metrics, registered on the default registry and served by the ops
// listener's /metrics endpoint.
var (
	claimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_jobs_claimed_total",
		Help: "Jobs claimed by workers.",
	})
	completedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_jobs_completed_total",
		Help: "Jobs that finished successfully.",
	})
	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_jobs_retried_total",
		Help: "Failed jobs scheduled for another attempt.",
	})
	deadLetteredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_jobs_dead_lettered_total",
		Help: "Jobs quarantined after exhausting their retry budget.",
	})
	claimErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobq_claim_errors_total",
		Help: "Errors returned by the store while claiming.",
	})
	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobq_job_duration_seconds",
		Help:    "Handler execution time per job.",
		Buckets: prometheus.DefBuckets,
	})
)
