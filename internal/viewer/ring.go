// Package viewer reconstructs renderable state from a session's event stream.
//
// Everything in this package is per-viewer and derived: nothing here is
// persisted, and dropping it all and replaying the log rebuilds it. The
// Manager owns the connection lifecycle, the Reconstructor owns the typed
// buffers, and both are single-goroutine by design (the manager's run loop is
// the only writer).
package viewer

// Ring is a bounded FIFO buffer. Pushing beyond capacity drops the oldest
// entries, a sliding window over the most recent items.
type Ring[T any] struct {
	items []T
	cap   int
}

// NewRing creates a ring with the given capacity. Capacity must be positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity}
}

// Push appends an item, evicting the oldest if the ring is full.
func (r *Ring[T]) Push(item T) {
	r.items = append(r.items, item)
	if len(r.items) > r.cap {
		// Shift rather than reslice so the backing array does not pin
		// evicted items alive.
		copy(r.items, r.items[1:])
		r.items = r.items[:r.cap]
	}
}

// Items returns the buffered items oldest-first. The returned slice is the
// ring's backing storage; callers must not mutate it.
func (r *Ring[T]) Items() []T {
	return r.items
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	return len(r.items)
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return r.cap
}
