package ring

import "sync"

// Log is a fixed-capacity ring that overwrites its oldest entry when full.
// Used for diagnostics history where only the most recent entries matter.
type Log[T any] struct {
	mu      sync.RWMutex
	entries []T
	next    int
	size    int
	total   int64
}

// NewLog creates a log holding at most capacity entries.
func NewLog[T any](capacity int) *Log[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Log[T]{entries: make([]T, capacity)}
}

// Append records an entry, evicting the oldest when full.
func (l *Log[T]) Append(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = v
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	l.total++
}

// Len returns the number of retained entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Total returns the number of entries ever appended.
func (l *Log[T]) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Snapshot returns retained entries oldest first.
func (l *Log[T]) Snapshot() []T {
	return l.Last(0)
}

// Last returns the n most recent entries oldest first (all when n <= 0).
func (l *Log[T]) Last(n int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]T, n)
	start := (l.next - n + len(l.entries)) % len(l.entries)
	for i := 0; i < n; i++ {
		out[i] = l.entries[(start+i)%len(l.entries)]
	}
	return out
}
