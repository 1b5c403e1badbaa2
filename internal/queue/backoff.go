package queue

import (
	"math/rand"
	"time"
)

// Backoff returns the retry delay before the next delivery of a job that has
// been delivered `attempt` times: base * 2^(attempt-1), jittered upward by
// jitterFrac (a fraction in [0, 0.2]), capped at max. Jitter is additive-only
// so the k-th delay is never shorter than the (k-1)-th below the cap.
func Backoff(base, max time.Duration, attempt int, jitterFrac float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	d += time.Duration(float64(d) * jitterFrac)
	if d > max {
		d = max
	}
	return d
}

// jitterFrac draws the per-retry jitter fraction, up to 20%.
func jitterFrac() float64 {
	return rand.Float64() * 0.2
}
