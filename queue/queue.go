// Package queue implements the synchronized queue that routines use to hand values to each other.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/dermesser/sessionrpc/routines"
)

var (
	// ErrPipeBroken is returned by operations on a queue that has been broken.
	ErrPipeBroken = errors.New("pipe broken")
)

/*
Queue is an unbounded, closable multi-producer/multi-consumer queue.

Pop is a suspension point for routines: a routine waiting for an element does not occupy a worker.
Every pushed element is delivered to exactly one consumer, in push order.

Break closes the queue. Without an error, elements already queued can still be popped; afterwards
Pop fails with ErrPipeBroken. With an error, queued elements are discarded and every pending and
future Pop fails with that error.
*/
type Queue[T any] struct {
	mu     sync.Mutex
	items  ring[T]
	broken bool
	err    error
	// closed and replaced whenever an element arrives or the queue breaks
	wakeup chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{items: newRing[T](minRingSize), wakeup: make(chan struct{})}
}

// Push appends v. It fails with ErrPipeBroken if the queue was broken with an error and is a
// no-op on a queue broken without one.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken {
		if q.err != nil {
			return ErrPipeBroken
		}
		return nil
	}
	q.items.push(v)
	q.notifyLocked()
	return nil
}

// Pop suspends until an element is available, the queue is broken, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		v, err, ok, wakeup := q.tryPop()
		if ok || err != nil {
			return v, err
		}
		if err := routines.Await(ctx, wakeup); err != nil {
			var zero T
			return zero, err
		}
	}
}

// TryPop never suspends. ok is false if nothing could be popped; err is set if the queue is broken.
func (q *Queue[T]) TryPop() (v T, ok bool, err error) {
	v, err, ok, _ = q.tryPop()
	return v, ok, err
}

func (q *Queue[T]) tryPop() (v T, err error, ok bool, wakeup chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken && q.err != nil {
		return v, q.err, false, nil
	}
	if v, ok = q.items.pop(); ok {
		return v, nil, true, nil
	}
	if q.broken {
		return v, ErrPipeBroken, false, nil
	}
	return v, nil, false, q.wakeup
}

// Peek returns the front element without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.broken && q.err != nil {
		return v, false
	}
	return q.items.peek()
}

// Break closes the queue, releasing all waiters. Only the first call has an effect.
func (q *Queue[T]) Break(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken {
		return
	}
	q.broken = true
	q.err = err
	if err != nil {
		q.items.clear()
	}
	q.notifyLocked()
}

// Drain breaks the queue with err like Break, but hands back the elements that were still queued
// instead of dropping them.
func (q *Queue[T]) Drain(err error) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken {
		return nil
	}
	var rest []T
	for {
		v, ok := q.items.pop()
		if !ok {
			break
		}
		rest = append(rest, v)
	}
	q.broken = true
	q.err = err
	q.notifyLocked()
	return rest
}

// IsBroken reports whether Break has been called.
func (q *Queue[T]) IsBroken() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

func (q *Queue[T]) notifyLocked() {
	close(q.wakeup)
	q.wakeup = make(chan struct{})
}
