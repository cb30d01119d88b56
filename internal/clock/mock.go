package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a virtual clock. Time only moves when Advance or Set is called,
// and due callbacks run synchronously on the caller's goroutine.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*mockTimer
}

type mockTimer struct {
	m      *Mock
	when   time.Time
	seq    uint64
	f      func()
	active bool
}

// NewMock returns a Mock clock set to start.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the virtual time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the virtual time reaches now+d.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &mockTimer{
		m:      m,
		when:   m.now.Add(d),
		seq:    m.seq,
		f:      f,
		active: true,
	}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that becomes due
// in deadline order. Timers scheduled by fired callbacks are honored if they
// fall inside the advanced window.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.runUntil(target)
}

// Set moves the clock to t. Moving backwards only changes Now.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	if t.Before(m.now) {
		m.now = t
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.runUntil(t)
}

// Pending returns the number of scheduled timers that have not fired.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if t.active {
			n++
		}
	}
	return n
}

func (m *Mock) runUntil(target time.Time) {
	for {
		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.active = false
		if next.when.After(m.now) {
			m.now = next.when
		}
		m.compact()
		m.mu.Unlock()

		next.f()
	}
}

// nextDue returns the earliest active timer due at or before target.
func (m *Mock) nextDue(target time.Time) *mockTimer {
	sort.SliceStable(m.timers, func(i, j int) bool {
		a, b := m.timers[i], m.timers[j]
		if a.when.Equal(b.when) {
			return a.seq < b.seq
		}
		return a.when.Before(b.when)
	})
	for _, t := range m.timers {
		if !t.active {
			continue
		}
		if t.when.After(target) {
			return nil
		}
		return t
	}
	return nil
}

func (m *Mock) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.active {
			live = append(live, t)
		}
	}
	m.timers = live
}

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if !t.active {
		return false
	}
	t.active = false
	return true
}
