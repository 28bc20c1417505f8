// Package backoff provides exponential backoff with jitter for calls to
// remote backends (embedding APIs, the WhatsApp connection).
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// Compute returns the delay to wait after the given attempt (1-indexed).
func (p Policy) Compute(attempt int) time.Duration {
	return p.computeWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// computeWithRand is Compute with a fixed random value in [0, 1).
func (p Policy) computeWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// DefaultPolicy is used for embedding calls.
// Initial: 250ms, Max: 5s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// ReconnectPolicy is used when a transport connection drops.
// Initial: 1s, Max: 2m, Factor: 2, Jitter: 20%
func ReconnectPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     2 * time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}
