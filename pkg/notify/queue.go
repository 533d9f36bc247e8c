package notify

import (
	"sync"
)

// ringQueue is a thread-safe bounded FIFO. When full, Push overwrites the
// oldest item and counts it as dropped, so producers never block.
type ringQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	count  int
	closed bool

	// Stats
	pushed  int64
	dropped int64
}

func newRingQueue[T any](capacity int) *ringQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &ringQueue[T]{buf: make([]T, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item, evicting the oldest one when full.
// Returns false if the queue is closed.
func (q *ringQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	capacity := len(q.buf)
	if q.count == capacity {
		// Drop oldest
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % capacity
		q.count--
		q.dropped++
	}

	q.buf[(q.head+q.count)%capacity] = item
	q.count++
	q.pushed++

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed.
// Returns false once the queue is closed; remaining items are discarded.
func (q *ringQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.closed {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return item, true
}

// Close wakes all waiters; subsequent Push and Pop calls fail.
func (q *ringQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *ringQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns how many items were overwritten before being read.
func (q *ringQueue[T]) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
