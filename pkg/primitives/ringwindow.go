package primitives

// RingWindow keeps the last N pushed elements, addressable by their
// monotonically increasing logical position. Once full it overwrites the
// oldest element on every push.
type RingWindow[T any] struct {
	size int
	pos  int
	data []T
}

// NewRingWindow creates a window holding at most size elements.
func NewRingWindow[T any](size int) *RingWindow[T] {
	return &RingWindow[T]{
		size: size,
		data: make([]T, 0, size),
	}
}

// Push appends elem, overwriting the oldest element when the window is full.
func (r *RingWindow[T]) Push(elem T) {
	if len(r.data) != r.size {
		r.data = append(r.data, elem)
	} else {
		r.data[r.pos%r.size] = elem
	}
	r.pos++
}

// Get returns the element at logical position pos. It reports false when
// pos is not among the last size pushed positions.
func (r *RingWindow[T]) Get(pos int) (T, bool) {
	var zero T
	if pos < 0 || pos >= r.pos || pos+r.size < r.pos {
		return zero, false
	}
	return r.data[pos%r.size], true
}

// Pos returns the logical position of the next push, i.e. the number of
// elements pushed so far.
func (r *RingWindow[T]) Pos() int {
	return r.pos
}

// Cap returns the fixed capacity of the window.
func (r *RingWindow[T]) Cap() int {
	return r.size
}
