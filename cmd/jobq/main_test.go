package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgrange/jobq/internal/job"
)

func TestParseBatch(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(`{"payload":"first"}

{"payload":"second","priority":"critical"}
{"payload":"third","priority":"low","max_retries":0}
`)

	jobs, err := parseBatch(in, 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, []byte("first"), jobs[0].payload)
	assert.Equal(t, job.PriorityNormal, jobs[0].priority)
	assert.Equal(t, 3, jobs[0].maxRetries)

	assert.Equal(t, job.PriorityCritical, jobs[1].priority)

	assert.Equal(t, job.PriorityLow, jobs[2].priority)
	assert.Equal(t, 0, jobs[2].maxRetries)
}

func TestParseBatchRejectsBadLines(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"malformed json", `{"payload":`, "line 1"},
		{"missing payload", `{"priority":"high"}`, "payload is required"},
		{"unknown priority", `{"payload":"x","priority":"urgent"}`, "line 1"},
		{"negative retries", `{"payload":"x","max_retries":-1}`, "max_retries must not be negative"},
		{"error names offending line", "{\"payload\":\"ok\"}\n{\"payload\":\"\"}", "line 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseBatch(strings.NewReader(tc.input), 3)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseBatchEmptyInput(t *testing.T) {
	t.Parallel()

	jobs, err := parseBatch(strings.NewReader("\n\n"), 3)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
