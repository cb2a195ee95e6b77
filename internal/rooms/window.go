package rooms

// window is a fixed-capacity ring that keeps the newest entries, evicting
// the oldest when full. Not safe for concurrent use; Registry guards it.
type window[T any] struct {
	buf   []T
	head  int // oldest entry
	count int
}

func newWindow[T any](capacity int) *window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &window[T]{buf: make([]T, capacity)}
}

// push appends item, evicting the oldest entry if the window is full.
// Returns true if an entry was evicted.
func (w *window[T]) push(item T) bool {
	size := len(w.buf)
	if w.count < size {
		w.buf[(w.head+w.count)%size] = item
		w.count++
		return false
	}

	w.buf[w.head] = item
	w.head = (w.head + 1) % size
	return true
}

// items returns the entries oldest first.
func (w *window[T]) items() []T {
	out := make([]T, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}
