package retry

import (
	"math/rand"
	"time"
)

// Backoff computes a jittered exponential delay for attempt n (0-based),
// bounded by cap. Matches the dispatcher's back-pressure policy:
// base 100ms, cap 5s, unless overridden by configuration.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > cap {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return jitter
}

// MaxAttempts is the default bound on retrying a transient error
// before it is surfaced as failed with cause "infrastructure".
const MaxAttempts = 3
