// Package backoff provides exponential backoff with jitter for retrying
// transient failures, plus a circuit breaker for fencing off unhealthy
// downstreams.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines how retry delays grow across attempts.
type Policy struct {
	// InitialMs is the base delay for the first retry in milliseconds.
	InitialMs int
	// MaxMs caps the computed delay in milliseconds.
	MaxMs int
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// JitterMs is the half-width of the uniform jitter band in
	// milliseconds. The final delay is base +/- JitterMs.
	JitterMs int
}

// DefaultPolicy is tuned for model-call retries: 1s base doubling to a 30s
// cap with half a second of jitter either way.
func DefaultPolicy() Policy {
	return Policy{InitialMs: 1000, MaxMs: 30000, Factor: 2.0, JitterMs: 500}
}

// QuickPolicy suits fast local retries such as pool acquisition probes.
func QuickPolicy() Policy {
	return Policy{InitialMs: 100, MaxMs: 5000, Factor: 2.0, JitterMs: 50}
}

// Compute calculates the delay before the given retry attempt.
// Attempt numbers start at 1.
func Compute(p Policy, attempt int) time.Duration {
	return ComputeWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the delay using a provided random value.
// This is useful for testing to provide deterministic results.
// The randomValue should be in the range [0.0, 1.0).
func ComputeWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	// base = initialMs * factor^(attempt-1), capped at MaxMs
	base := float64(p.InitialMs) * math.Pow(p.Factor, exp)
	if p.MaxMs > 0 && base > float64(p.MaxMs) {
		base = float64(p.MaxMs)
	}

	// Uniform jitter in [-JitterMs, +JitterMs)
	jitter := (randomValue*2 - 1) * float64(p.JitterMs)

	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Millisecond))
}
