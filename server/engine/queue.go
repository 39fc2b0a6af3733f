package engine

import (
	"errors"
	"sync"
)

var (
	ErrQueueFull       = errors.New("engine: queue full")
	ErrQueueClosed     = errors.New("engine: queue closed")
	ErrInvalidCapacity = errors.New("engine: queue capacity must be positive")
)

// Queue is a fixed-capacity FIFO used to hand ready connections from the reactor to workers.
// Push never blocks and never grows the ring; Pop blocks while the queue is empty.
type Queue[T any] struct {
	mu       sync.Mutex
	nonEmpty sync.Cond

	ring   []T
	front  int // index of the oldest item
	size   int
	closed bool
}

func NewQueue[T any](capacity int) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	q := &Queue[T]{ring: make([]T, capacity)}
	q.nonEmpty.L = &q.mu
	return q, nil
}

// Push appends item or reports ErrQueueFull / ErrQueueClosed without waiting.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.size == len(q.ring) {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.ring[(q.front+q.size)%len(q.ring)] = item
	q.size++
	q.mu.Unlock()

	q.nonEmpty.Signal()
	return nil
}

// Pop removes the oldest item, waiting while the queue is empty.
// ok is false once the queue is closed and drained.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// a wake-up does not mean an item is ours: another consumer may have taken it
	for q.size == 0 {
		if q.closed {
			return item, false
		}
		q.nonEmpty.Wait()
	}

	var zero T
	item = q.ring[q.front]
	q.ring[q.front] = zero
	q.front = (q.front + 1) % len(q.ring)
	q.size--
	return item, true
}

// tryPop is Pop without waiting.
func (q *Queue[T]) tryPop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return item, false
	}
	var zero T
	item = q.ring[q.front]
	q.ring[q.front] = zero
	q.front = (q.front + 1) % len(q.ring)
	q.size--
	return item, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int { return len(q.ring) }

// Close rejects further pushes and wakes every waiting consumer.
// Items already queued are still handed out by Pop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.nonEmpty.Broadcast()
}
