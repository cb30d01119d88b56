package connection

import "github.com/rickgao/venuesync/internal/goroutine"

// handlerRef identifies one registered handler so delivery can confirm it
// is still registered right before the call.
type handlerRef struct {
	reg *registry[HandlerFunc]
	id  uint64
	fn  HandlerFunc
}

// beginDispatchLocked marks goroutine g as delivering a frame of lifetime
// gen. It reports false when gen is stale.
func (m *Manager) beginDispatchLocked(gen uint64, g int64) bool {
	if gen != m.gen {
		return false
	}
	m.dispatchers[g]++
	return true
}

func (m *Manager) endDispatch(g int64) {
	m.mu.Lock()
	if m.dispatchers[g]--; m.dispatchers[g] <= 0 {
		delete(m.dispatchers, g)
	}
	m.dispatchIdle.Broadcast()
	m.mu.Unlock()
}

// waitDispatchLocked blocks until no other goroutine is delivering frames.
// A call made from inside a handler does not wait for its own delivery.
func (m *Manager) waitDispatchLocked() {
	if len(m.dispatchers) == 0 {
		return
	}
	self := goroutine.ID()
	for m.dispatchingExcept(self) {
		m.dispatchIdle.Wait()
	}
}

func (m *Manager) dispatchingExcept(self int64) bool {
	for g := range m.dispatchers {
		if g != self {
			return true
		}
	}
	return false
}

// deliverableLocked reports whether ref may still be called for gen.
func (m *Manager) deliverableLocked(gen uint64, ref handlerRef) bool {
	return gen == m.gen && ref.reg.has(ref.id)
}
