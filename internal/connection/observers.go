package connection

// registry holds callbacks in registration order. It is not safe for
// concurrent use; the Manager guards it with its own mutex.
type registry[T any] struct {
	nextID uint64
	items  []registered[T]
}

type registered[T any] struct {
	id uint64
	fn T
}

func (r *registry[T]) add(fn T) uint64 {
	r.nextID++
	r.items = append(r.items, registered[T]{id: r.nextID, fn: fn})
	return r.nextID
}

func (r *registry[T]) remove(id uint64) {
	for i, it := range r.items {
		if it.id == id {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) has(id uint64) bool {
	for _, it := range r.items {
		if it.id == id {
			return true
		}
	}
	return false
}

// snapshot returns a copy safe to iterate after the lock is released.
func (r *registry[T]) snapshot() []T {
	out := make([]T, len(r.items))
	for i, it := range r.items {
		out[i] = it.fn
	}
	return out
}
