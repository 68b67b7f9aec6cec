package retry

import (
	"testing"
	"time"
)

func TestBackoffNeverExceedsCap(t *testing.T) {
	base := 100 * time.Millisecond
	capD := 2 * time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(base, capD, attempt)
		if d < 0 || d > capD {
			t.Fatalf("attempt %d: backoff %v out of [0, %v]", attempt, d, capD)
		}
	}
}

func TestBackoffGrowsWithAttemptOnAverage(t *testing.T) {
	base := 10 * time.Millisecond
	capD := time.Second

	const trials = 200
	var earlySum, lateSum time.Duration
	for i := 0; i < trials; i++ {
		earlySum += Backoff(base, capD, 0)
		lateSum += Backoff(base, capD, 5)
	}
	if lateSum <= earlySum {
		t.Fatalf("expected later attempts to average a larger jittered delay: early=%v late=%v", earlySum, lateSum)
	}
}
