// Package buffer provides the in-memory queue between the stream bridge and
// the database writers.
package buffer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by blocking receives once the buffer is closed and
// drained.
var ErrClosed = errors.New("buffer closed")

// Growable is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full. With a positive limit it never holds more than limit items:
// Send drops the oldest item to make room and counts the drop.
type Growable[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int
	closed   bool

	ready chan struct{} // holds a token while items may be available
	done  chan struct{} // closed by Close

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// New creates a buffer with the given initial capacity. A limit <= 0 means
// the buffer grows without bound.
func New[T any](initialCapacity, limit int) *Growable[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	return &Growable[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Send adds an item to the buffer. Returns false if the buffer is closed.
func (b *Growable[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.limit > 0 && b.count >= b.limit {
		b.popLocked()
		b.totalSent--
		b.dropped++
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.signal()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available. It returns ErrClosed once the buffer is closed and empty, or the
// context's error.
func (b *Growable[T]) Receive(ctx context.Context) (T, error) {
	for {
		if item, ok := b.TryReceive(); ok {
			return item, nil
		}
		if err := b.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
}

// TryReceive removes the oldest item without blocking.
func (b *Growable[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	item := b.popLocked()
	if b.count > 0 {
		b.signal()
	}
	return item, true
}

// ReceiveBatch blocks until at least one item is available, then removes up
// to max items (all of them when max <= 0).
func (b *Growable[T]) ReceiveBatch(ctx context.Context, max int) ([]T, error) {
	for {
		if items := b.DrainTo(max); len(items) > 0 {
			return items, nil
		}
		if err := b.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Wait blocks until the buffer may hold items. It returns ErrClosed when the
// buffer is closed and empty.
func (b *Growable[T]) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.count > 0 {
		b.mu.Unlock()
		return nil
	}
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	select {
	case <-b.ready:
		return nil
	case <-b.done:
		if b.Len() > 0 {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the buffer. Items already queued can still be received.
func (b *Growable[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// Len returns the current number of items in the buffer.
func (b *Growable[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity of the buffer.
func (b *Growable[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *Growable[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int   `json:"count"`
	Capacity      int   `json:"capacity"`
	Limit         int   `json:"limit"`
	TotalReceived int64 `json:"total_received"`
	TotalSent     int64 `json:"total_sent"`
	Dropped       int64 `json:"dropped"`
	ResizeCount   int   `json:"resize_count"`
}

// DrainTo removes up to max items (all of them when max <= 0) without
// blocking.
func (b *Growable[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := range result {
		result[i] = b.popLocked()
	}
	if b.count > 0 {
		b.signal()
	}
	return result
}

// popLocked removes the head item. Must be called with lock held.
func (b *Growable[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

// signal leaves a wake-up token for one waiter.
func (b *Growable[T]) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// grow doubles the buffer capacity. Must be called with lock held.
func (b *Growable[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
