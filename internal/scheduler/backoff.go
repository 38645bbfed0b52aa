package scheduler

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before a failed attempt becomes due again:
// exponential growth from base, capped at max, plus up to jitter of random
// spread so simultaneous failures do not re-contend in lockstep.
func Backoff(attempt int, base, max, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			wait = max
			break
		}
	}
	if wait > max {
		wait = max
	}
	if jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(jitter)))
	}
	return wait
}

// NextRun translates an attempt count into the next eligible run time.
func NextRun(now time.Time, attempt int, base, max, jitter time.Duration) time.Time {
	return now.Add(Backoff(attempt, base, max, jitter))
}
