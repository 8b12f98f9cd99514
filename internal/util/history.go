package util

import "sync"

// History keeps the most recent entries up to a fixed limit, oldest first.
// It is safe for concurrent use.
type History[T any] struct {
	mu    sync.RWMutex
	limit int
	items []T
}

func NewHistory[T any](limit int) *History[T] {
	if limit < 1 {
		limit = 1
	}
	return &History[T]{limit: limit, items: make([]T, 0, limit)}
}

// Append records item and drops the oldest entry once the limit is reached.
func (h *History[T]) Append(item T) {
	h.mu.Lock()
	if len(h.items) == h.limit {
		copy(h.items, h.items[1:])
		h.items = h.items[:h.limit-1]
	}
	h.items = append(h.items, item)
	h.mu.Unlock()
}

// Items returns a copy of the recorded entries.
func (h *History[T]) Items() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]T(nil), h.items...)
}

// Last returns the newest entry.
func (h *History[T]) Last() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[len(h.items)-1], true
}
