// Package job defines the queue's job record and its lifecycle vocabulary:
// priorities, statuses, and the Store interface every backend implements.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs for claiming. Higher values are claimed first;
// within a priority tier jobs are claimed oldest-first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase text form used by the CLI and stored logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts the text form back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the job lifecycle state. Transitions are enforced by the store:
//
//	pending → running                (claim)
//	running → completed              (handler succeeded)
//	running → failed                 (handler failed, retries remain)
//	running → dead_letter            (handler failed, retries exhausted)
//	failed  → running                (re-claim once the backoff window passes)
//
// completed and dead_letter are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Statuses lists every defined status, in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusDeadLetter,
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Job is one unit of work. The payload is opaque to the queue; only the
// handler interprets it.
type Job struct {
	ID         uuid.UUID `json:"id"`
	Payload    []byte    `json:"payload"`
	Priority   Priority  `json:"priority"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	// ErrorMessage holds the most recent failure text; empty when the job
	// has never failed. It is not cleared by a later success.
	ErrorMessage string `json:"error_message,omitempty"`
	// NextEligibleAt is set while the job sits in a backoff window
	// (status failed); nil otherwise.
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// New builds a pending job with a fresh v4 ID and zero retries.
// Timestamps are assigned here, not by the backend, so claim order is
// identical across storage drivers. The payload bytes are copied; the job
// never aliases caller-owned memory.
func New(payload []byte, priority Priority, maxRetries int) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:         uuid.New(),
		Priority:   priority,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if payload != nil {
		j.Payload = make([]byte, len(payload))
		copy(j.Payload, payload)
	}
	return j
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate backend-owned state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make([]byte, len(j.Payload))
		copy(c.Payload, j.Payload)
	}
	if j.NextEligibleAt != nil {
		t := *j.NextEligibleAt
		c.NextEligibleAt = &t
	}
	return &c
}
