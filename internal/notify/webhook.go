// ABOUTME: Outbound dead-letter webhook delivery: HMAC signing, safeurl client, response body discard.
// ABOUTME: The http.Client is injected (constructed once at daemon startup); delivery is best-effort.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tgrange/jobq/internal/job"
)

// Event is the JSON body delivered when a job lands in dead_letter.
type Event struct {
	JobID          uuid.UUID `json:"job_id"`
	Priority       string    `json:"priority"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	ErrorMessage   string    `json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// NewEvent builds the delivery payload for a dead-lettered job.
func NewEvent(j *job.Job) Event {
	return Event{
		JobID:          j.ID,
		Priority:       j.Priority.String(),
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		ErrorMessage:   j.ErrorMessage,
		CreatedAt:      j.CreatedAt,
		DeadLetteredAt: j.UpdatedAt,
	}
}

// Webhook posts dead-letter events to one operator-configured URL.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a Webhook. client should be the production
// safeurl-wrapped client from BuildSafeClient (tests may inject a plain one).
func NewWebhook(url, secret string, client *http.Client, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{url: url, secret: secret, client: client, logger: logger}
}

// Send posts ev to the webhook URL, signs with HMAC-SHA256, and discards the
// response body.
func (w *Webhook) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// HMAC-SHA256 over "timestamp.body" with the signing secret.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write([]byte(ts + "." + string(payload)))
	req.Header.Set("X-JobQ-Timestamp", ts)
	req.Header.Set("X-JobQ-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := w.client.Do(req) //nolint:gosec // G107: SSRF is enforced architecturally by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Hook adapts the webhook to the worker pool's dead-letter callback.
// Delivery failures are logged, never retried; the job is already
// quarantined when the hook runs.
func (w *Webhook) Hook() func(ctx context.Context, j *job.Job) {
	return func(ctx context.Context, j *job.Job) {
		if err := w.Send(ctx, NewEvent(j)); err != nil {
			w.logger.Error("dead-letter webhook delivery failed", "job_id", j.ID, "error", err)
		}
	}
}
