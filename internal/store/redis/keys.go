package redis

// Redis key naming for queue data. All keys are prefixed with "jobq:" to
// avoid collisions with other tenants of the same database.

const keyPrefix = "jobq:"

// jobKey returns the Hash key for a job record: jobq:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey is the Sorted Set of claimable job IDs, scored so that ZPOPMIN
// yields the highest-priority, oldest job first.
const readyKey = keyPrefix + "ready"

// delayedKey is the Sorted Set of failed job IDs waiting out a backoff
// window, scored by next-eligible time in unix milliseconds.
const delayedKey = keyPrefix + "delayed"

// statusKey returns the Set tracking job IDs in one status: jobq:status:{s}
func statusKey(status string) string { return keyPrefix + "status:" + status }
