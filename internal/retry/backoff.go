package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default backoff parameters.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.25
	DefaultMaxAttempts = 3
)

// Backoff is an exponential delay schedule with a cap.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // Maximum extra delay as a fraction of the computed delay
}

// DefaultBackoff returns the standard schedule: 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       DefaultBaseDelay,
		Max:        DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Delay returns min(Base * Multiplier^attempt, Max) for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d >= float64(b.Max) {
		return b.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Jittered returns Delay(attempt) plus up to Jitter*Delay(attempt) of random
// extra delay, capped at Max. The result is never shorter than
// Delay(attempt), so once the schedule reaches Max there is no jitter.
func (b Backoff) Jittered(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 || d <= 0 {
		return d
	}
	j := d + time.Duration(float64(d)*b.Jitter*rand.Float64())
	if b.Max > 0 && j > b.Max {
		return b.Max
	}
	return j
}
