// Package backoff computes exponential retry delays with jitter and runs
// context-aware retry loops. The watch client uses it to rejoin a room after
// the hub drops the connection.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff curve.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// Factor multiplies the delay after each attempt.
	Factor float64
	// Jitter adds up to this fraction of the base delay (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy starts at 100ms, doubles, caps at 30s and adds 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait after the given attempt. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delay is Delay with the random value in [0, 1) supplied.
func (p Policy) delay(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total).Round(time.Millisecond)
}
