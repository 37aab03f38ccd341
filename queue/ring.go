package queue

// An array-based queue implementation, supposedly faster than a LinkedList implementation.
// It grows by doubling when full; it is not safe for concurrent use on its own.

const minRingSize = 16

type ring[T any] struct {
	// tracking the length separately in l, because calculating it from (front, back)
	// is difficult in some cases (especially rollover)
	front, back, l int
	queue          []T
}

func newRing[T any](size int) ring[T] {
	if size < minRingSize {
		size = minRingSize
	}
	return ring[T]{queue: make([]T, size)}
}

func (q *ring[T]) len() int {
	return q.l
}

// Append to the back.
func (q *ring[T]) push(e T) {
	if q.l == len(q.queue) {
		q.grow()
	}
	q.queue[q.back] = e
	q.back = (q.back + 1) % len(q.queue)
	q.l++
}

// Get from the front. ok is false if the queue is empty.
func (q *ring[T]) pop() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	var zero T
	e = q.queue[q.front]
	q.queue[q.front] = zero
	q.front = (q.front + 1) % len(q.queue)
	q.l--
	return e, true
}

// Returns the front element without removing it.
func (q *ring[T]) peek() (e T, ok bool) {
	if q.l == 0 {
		return e, false
	}
	return q.queue[q.front], true
}

// Drop all elements, keeping the allocated space.
func (q *ring[T]) clear() {
	var zero T
	for q.l > 0 {
		q.queue[q.front] = zero
		q.front = (q.front + 1) % len(q.queue)
		q.l--
	}
	q.front, q.back = 0, 0
}

func (q *ring[T]) grow() {
	size := 2 * len(q.queue)
	if size < minRingSize {
		size = minRingSize
	}
	grown := make([]T, size)
	// unroll the rollover so that front starts at 0 again
	n := copy(grown, q.queue[q.front:])
	copy(grown[n:], q.queue[:q.front])
	q.queue = grown
	q.front = 0
	q.back = q.l
}
