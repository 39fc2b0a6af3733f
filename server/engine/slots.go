// descriptor-indexed slot table
package engine

import "sync/atomic"

// Slots maps descriptor numbers to their per-connection state.
// Slots are never freed. The kernel cannot hand a descriptor to accept again
// before it is closed, so reuse of a slot is always sequenced after the
// previous connection on it is gone.
type Slots[T any] struct {
	tab []atomic.Pointer[T] // atomic so a reader on another goroutine never sees a torn pointer
}

func NewSlots[T any](size int) *Slots[T] {
	return &Slots[T]{tab: make([]atomic.Pointer[T], size)}
}

func (s *Slots[T]) Len() int { return len(s.tab) }

// Get returns the state for fd, nil when empty or out of range.
func (s *Slots[T]) Get(fd int) *T {
	if fd < 0 || fd >= len(s.tab) {
		return nil
	}
	return s.tab[fd].Load()
}

// GetOrNew returns the state for fd, allocating it with alloc on first use.
// Callers keep the returned value across connections and reinitialize it instead of reallocating.
func (s *Slots[T]) GetOrNew(fd int, alloc func() *T) (*T, error) {
	if fd < 0 || fd >= len(s.tab) {
		return nil, ErrFDOutOfRange
	}
	if v := s.tab[fd].Load(); v != nil {
		return v, nil
	}
	v := alloc()
	s.tab[fd].Store(v)
	return v, nil
}

// Each visits every allocated slot.
func (s *Slots[T]) Each(fn func(fd int, v *T)) {
	for fd := range s.tab {
		if v := s.tab[fd].Load(); v != nil {
			fn(fd, v)
		}
	}
}
