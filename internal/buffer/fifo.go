// Package buffer provides an ordered, optionally bounded queue used for
// pending admission items and for messages held while a connection is down.
package buffer

import (
	"sync"
)

// FIFO is a thread-safe first-in first-out queue. A capacity of zero means
// the queue is unbounded; otherwise Push refuses items once Len reaches it.
type FIFO[T any] struct {
	items    []T
	capacity int
	mu       sync.RWMutex
}

// NewFIFO creates a new FIFO with the specified capacity.
// A capacity less than or equal to 0 yields an unbounded queue.
func NewFIFO[T any](capacity int) *FIFO[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &FIFO[T]{capacity: capacity}
}

// Push appends v to the tail. It returns false, leaving the queue unchanged,
// when the queue is bounded and full.
func (q *FIFO[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, v)
	return true
}

// PushFront puts v back at the head, ignoring the bound. It is used to
// return an item that was popped but could not be delivered.
func (q *FIFO[T]) PushFront(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, v)
	copy(q.items[1:], q.items[:len(q.items)-1])
	q.items[0] = v
}

// Pop removes and returns the head of the queue.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Peek returns the head of the queue without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Remove deletes the first item matching fn and reports whether one was found.
func (q *FIFO[T]) Remove(fn func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, v := range q.items {
		if fn(v) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Drain removes and returns every item in order.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

// Clear removes all items from the queue.
func (q *FIFO[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
}

// Len returns the current number of queued items.
func (q *FIFO[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.items)
}

// Cap returns the bound of the queue, 0 when unbounded.
func (q *FIFO[T]) Cap() int {
	return q.capacity
}
