// Package history keeps a rolling time window of recent broadcast messages so
// new clients can be caught up before joining the live stream.
package history

import "time"

type entry[T any] struct {
	at    time.Time
	value T
}

// Window is a FIFO of values ordered oldest first. Values older than the
// window duration, measured from the newest value, are evicted on Add.
// Window is not safe for concurrent use.
type Window[T any] struct {
	duration time.Duration
	entries  []entry[T]
}

// New creates a Window spanning d. A zero duration keeps nothing.
func New[T any](d time.Duration) *Window[T] {
	return &Window[T]{duration: d}
}

// Add appends v stamped at.
func (w *Window[T]) Add(at time.Time, v T) {
	if w.duration <= 0 {
		return
	}
	w.entries = append(w.entries, entry[T]{at: at, value: v})

	// Remove entries outside time window (based on timestamp, not count)
	cutoff := at.Add(-w.duration)
	drop := 0
	for drop < len(w.entries) && !w.entries[drop].at.After(cutoff) {
		drop++
	}
	if drop > 0 {
		// Shift instead of reslicing so the backing array does not grow forever.
		n := copy(w.entries, w.entries[drop:])
		clear(w.entries[n:])
		w.entries = w.entries[:n]
	}
}

// Len returns the number of retained values.
func (w *Window[T]) Len() int {
	return len(w.entries)
}

// Reset drops every value.
func (w *Window[T]) Reset() {
	clear(w.entries)
	w.entries = w.entries[:0]
}

// Snapshot copies at most maxPoints values into dst, oldest first, and
// returns it. Longer windows are decimated evenly; the newest value is
// always included. dst is reused when it has enough capacity.
func (w *Window[T]) Snapshot(dst []T, maxPoints int) []T {
	dst = dst[:0]
	n := len(w.entries)
	if maxPoints <= 0 || n == 0 {
		return dst
	}

	if n <= maxPoints {
		for _, e := range w.entries {
			dst = append(dst, e.value)
		}
		return dst
	}

	// Calculate step size for decimation, anchored on the newest value
	step := float64(n) / float64(maxPoints)
	for i := 0; i < maxPoints; i++ {
		idx := n - 1 - int(float64(maxPoints-1-i)*step)
		dst = append(dst, w.entries[idx].value)
	}
	return dst
}
