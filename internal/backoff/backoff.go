// Package backoff provides the retry delay schedule used by the relayer:
// exponential growth with full jitter, capped at a maximum.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection. Negative
// attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}
	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(delay)))
}

// Delay computes the jittered delay before retry number attempt, capped at max.
func Delay(base, max time.Duration, attempt int) time.Duration {
	d := Exponential(base, attempt)
	if max > 0 && d > max {
		d = max
	}
	return FullJitter(d)
}
