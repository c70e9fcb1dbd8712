package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff is an exponential reconnect delay with proportional jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0..1, fraction of the delay
}

// DefaultBackoff returns conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	lo := b.Min
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	hi := b.Max
	if hi < lo {
		hi = lo
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := lo
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next >= hi {
			wait = hi
			break
		}
		wait = next
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return wait
	}
	if jitter > 1 {
		jitter = 1
	}
	spread := float64(wait) * jitter
	return wait - time.Duration(spread) + time.Duration(rand.Float64()*2*spread)
}
