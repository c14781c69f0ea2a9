package orchestrator

import "time"

// Backoff computes exponential retry delays.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Factor multiplies the delay on each subsequent retry.
	Factor float64
	// Cap bounds the delay growth.
	Cap time.Duration
}

// DefaultBackoff is the scheduler's retry policy: 500ms doubling up to 30s.
var DefaultBackoff = Backoff{
	Base:   500 * time.Millisecond,
	Factor: 2,
	Cap:    30 * time.Second,
}

// Delay returns the wait before the given retry. Attempt 1 is the first
// retry after the initial failure.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := b.Base
	if base <= 0 {
		base = DefaultBackoff.Base
	}
	factor := b.Factor
	if factor < 1 {
		factor = DefaultBackoff.Factor
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if b.Cap > 0 && d >= float64(b.Cap) {
			return b.Cap
		}
	}

	delay := time.Duration(d)
	if b.Cap > 0 && delay > b.Cap {
		return b.Cap
	}
	return delay
}
