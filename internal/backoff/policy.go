// Package backoff provides exponential backoff with jitter for retry and
// reconnection logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
}

// DefaultPolicy returns the standard retry policy: 100ms base, 5s cap,
// 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		MaxRetries: 3,
	}
}

// Delay returns the pre-jitter delay for an attempt (1-indexed):
// min(base * 2^(attempt-1), max). Used directly, without jitter, for
// reconnection waits.
func (p Policy) Delay(attempt int) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	d := float64(p.BaseDelay) * math.Pow(2, exp)
	return time.Duration(math.Min(d, float64(p.MaxDelay)))
}

// JitteredDelay returns Delay(attempt) scaled by a uniform random factor in
// [0.5, 1.0).
func (p Policy) JitteredDelay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the jittered delay using a provided random value in
// [0.0, 1.0). Exposed for deterministic tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	base := p.Delay(attempt)
	return time.Duration(float64(base) * (0.5 + 0.5*randomValue))
}
