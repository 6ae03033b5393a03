package concurrent

import "sync"

// Slice is an append-only list safe for concurrent use. It suits ordered
// logs where writers append and readers take stable snapshots.
type Slice[V any] struct {
	mu     sync.RWMutex
	values []V
}

func NewSlice[V any]() *Slice[V] {
	return &Slice[V]{}
}

// Push appends value and returns the index it landed at.
func (s *Slice[V]) Push(value V) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = append(s.values, value)
	return len(s.values) - 1
}

func (s *Slice[V]) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.values)
}

// From returns a copy of the elements at index start and beyond, or nil when
// start is past the end.
func (s *Slice[V]) From(start int) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if start < 0 {
		start = 0
	}
	if start >= len(s.values) {
		return nil
	}
	return append([]V(nil), s.values[start:]...)
}

func (s *Slice[V]) All() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]V(nil), s.values...)
}
