package util

import "sync"

// RingBuffer keeps the last N items pushed. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int  // slot the next Push writes
	full bool // buf has wrapped at least once
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, dropping the oldest once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.buf[r.next] = item
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Filter(nil)
}

// Filter returns the stored items for which keep reports true, oldest
// first. A nil keep returns everything.
func (r *RingBuffer[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered [2][]T
	if r.full {
		ordered = [2][]T{r.buf[r.next:], r.buf[:r.next]}
	} else {
		ordered[0] = r.buf[:r.next]
	}
	out := make([]T, 0, len(ordered[0])+len(ordered[1]))
	for _, part := range ordered {
		for _, item := range part {
			if keep == nil || keep(item) {
				out = append(out, item)
			}
		}
	}
	return out
}
