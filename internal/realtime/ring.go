package realtime

// Ring is a fixed-capacity buffer that keeps the most recent items.
// When full, a push overwrites the oldest item. Ring is not safe for
// concurrent use; the hub guards it with the topic lock.
type Ring[T any] struct {
	buf  []T
	size int
	head int // next write position
	full bool
}

// NewRing creates a ring holding at most size items.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 50
	}
	return &Ring[T]{buf: make([]T, size), size: size}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	if !r.full {
		out := make([]T, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]T, r.size)
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:r.head])
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	if r.full {
		return r.size
	}
	return r.head
}

// Capacity returns the maximum number of items.
func (r *Ring[T]) Capacity() int {
	return r.size
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.full = false
}
