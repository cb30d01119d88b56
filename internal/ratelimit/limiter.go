// Package ratelimit provides a sliding-window request counter used to
// pre-empt requests the remote service would reject.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rickgao/venuesync/internal/clock"
)

// Errors
var (
	ErrInvalidLimit  = errors.New("ratelimit: max requests must be > 0")
	ErrInvalidWindow = errors.New("ratelimit: window must be > 0")
)

// Limiter counts requests inside a trailing time window. Timestamps older
// than the window are pruned lazily on each call.
type Limiter struct {
	maxRequests int
	window      time.Duration
	clock       clock.Clock

	mu     sync.Mutex
	stamps []time.Time // ascending
}

// New creates a Limiter allowing maxRequests per window.
func New(maxRequests int, window time.Duration, clk clock.Clock) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, ErrInvalidLimit
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clock:       clock.OrReal(clk),
		stamps:      make([]time.Time, 0, maxRequests),
	}, nil
}

// Allow reports whether another request fits in the window. It does not
// record anything.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	return len(l.stamps) < l.maxRequests
}

// Record appends the current time to the window.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	l.stamps = append(l.stamps, now)
}

// Reserve records a request if one is allowed and reports whether it did.
func (l *Limiter) Reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.stamps) >= l.maxRequests {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Remaining returns how many requests still fit in the window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	if n := l.maxRequests - len(l.stamps); n > 0 {
		return n
	}
	return 0
}

// ResetAt returns when the oldest recorded request leaves the window, or now
// if nothing is recorded.
func (l *Limiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.stamps) == 0 {
		return now
	}
	return l.stamps[0].Add(l.window)
}

// Wait blocks until a request is allowed, then records it.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Reserve() {
			return nil
		}

		wait := l.ResetAt().Sub(l.clock.Now())
		if wait <= 0 {
			// Entry sits exactly on the boundary; it leaves on the next tick.
			wait = time.Millisecond
		}
		if !clock.Sleep(l.clock, wait, ctx.Done()) {
			return ctx.Err()
		}
	}
}

// Limit returns the configured maximum requests per window.
func (l *Limiter) Limit() int {
	return l.maxRequests
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// prune drops timestamps that have aged out of the window.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
