// Package backoff holds the reconnect delay formulas shared by the upstream
// link and the client connection manager.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// JitterMin and JitterMax bound the multiplicative jitter factor.
	JitterMin = 0.75
	JitterMax = 1.25
)

// Exponential returns min(base * 2^attempt, max). attempt is zero based and
// negative values are treated as zero.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	return Jittered(base, max, attempt, 1)
}

// Jittered returns min(base * 2^attempt * jitter, max).
func Jittered(base, max time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * jitter
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= float64(max) {
			return max
		}
	}
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Jitter draws a factor uniformly from [JitterMin, JitterMax].
// A nil source uses the global generator.
func Jitter(r *rand.Rand) float64 {
	var f float64
	if r == nil {
		f = rand.Float64()
	} else {
		f = r.Float64()
	}
	return JitterMin + f*(JitterMax-JitterMin)
}
