// Package queue provides the fixed-capacity FIFO shared by every worker in
// the pipeline. It does no locking and never blocks; owners layer their own
// mutex and condition variable on top.
package queue

// Capacities used by the pipeline.
const (
	FileRequestCapacity    = 16
	ControlMessageCapacity = 64
	BlobCapacity           = 2
)

// Queue is a circular buffer holding at most Cap() items.
type Queue[T any] struct {
	items []T
	head  int // index of the oldest item
	count int
}

// New creates an empty queue with the given capacity. A capacity below 1 is
// raised to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{items: make([]T, capacity)}
}

// Push appends item. It returns false, leaving the queue unchanged, when the
// queue is full; the caller decides whether to drop or retry.
func (q *Queue[T]) Push(item T) bool {
	if q.IsFull() {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
	return true
}

// Pop removes and returns the oldest item, or false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.count == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero // release reference
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return item, true
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue[T]) IsEmpty() bool { return q.count == 0 }

// IsFull reports whether a Push would fail.
func (q *Queue[T]) IsFull() bool { return q.count == len(q.items) }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.count }

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int { return len(q.items) }

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	for q.count > 0 {
		q.Pop()
	}
	q.head = 0
}
