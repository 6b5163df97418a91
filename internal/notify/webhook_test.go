// ABOUTME: Tests for dead-letter webhook delivery: HMAC signing, event body, error paths.
package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgrange/jobq/internal/job"
	"github.com/tgrange/jobq/internal/notify"
)

func buildTestClient() *http.Client {
	// In tests use a plain http.Client (safeurl blocks private IPs used by httptest).
	return &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func deadLetteredJob() *job.Job {
	j := job.New([]byte(`{"task":"send-email"}`), job.PriorityCritical, 2)
	j.Status = job.StatusDeadLetter
	j.RetryCount = 3
	j.ErrorMessage = "downstream unavailable"
	j.UpdatedAt = time.Now().UTC()
	return j
}

func TestSend_HMACHeadersCorrect(t *testing.T) {
	var gotTS, gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTS = r.Header.Get("X-JobQ-Timestamp")
		gotSig = r.Header.Get("X-JobQ-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	secret := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 64 hex chars = 32 bytes
	wh := notify.NewWebhook(srv.URL, secret, buildTestClient(), nil)

	err := wh.Send(context.Background(), notify.NewEvent(deadLetteredJob()))
	require.NoError(t, err)

	require.NotEmpty(t, gotTS)
	tsInt, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), tsInt, 5)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTS + "." + string(gotBody)))
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, expected, gotSig)
}

func TestSend_EventBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := deadLetteredJob()
	wh := notify.NewWebhook(srv.URL, "s", buildTestClient(), nil)
	require.NoError(t, wh.Send(context.Background(), notify.NewEvent(j)))

	var ev notify.Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, j.ID, ev.JobID)
	assert.Equal(t, "critical", ev.Priority)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, 2, ev.MaxRetries)
	assert.Equal(t, "downstream unavailable", ev.ErrorMessage)
	assert.WithinDuration(t, j.UpdatedAt, ev.DeadLetteredAt, time.Second)
}

func TestSend_Non2xxReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := notify.NewWebhook(srv.URL, "x", buildTestClient(), nil)
	err := wh.Send(context.Background(), notify.NewEvent(deadLetteredJob()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestSend_RedirectRejected(t *testing.T) {
	inner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer inner.Close()

	outer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, inner.URL, http.StatusFound)
	}))
	defer outer.Close()

	wh := notify.NewWebhook(outer.URL, "x", buildTestClient(), nil)
	err := wh.Send(context.Background(), notify.NewEvent(deadLetteredJob()))
	// Non-2xx (302) → error
	require.Error(t, err)
	assert.Contains(t, err.Error(), "302")
}

func TestHook_SwallowsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close() // connection refused from here on

	wh := notify.NewWebhook(srv.URL, "x", buildTestClient(), nil)
	hook := wh.Hook()
	// Must log and return; a failed delivery never propagates to the pool.
	hook(context.Background(), deadLetteredJob())
}
