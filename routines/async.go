package routines

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAlreadyResolved = errors.New("async value already resolved")
)

type asyncState[T any] struct {
	mu       sync.Mutex
	resolved bool
	value    T
	err      error
	done     chan struct{}
}

// Async is the reading end of a single-shot value. Any number of routines may wait on it; all of
// them observe the same outcome.
type Async[T any] struct {
	s *asyncState[T]
}

// Eval is the writing end of a single-shot value.
type Eval[T any] struct {
	s *asyncState[T]
}

// NewAsync returns a connected, unresolved pair.
func NewAsync[T any]() (*Async[T], *Eval[T]) {
	s := &asyncState[T]{done: make(chan struct{})}
	return &Async[T]{s: s}, &Eval[T]{s: s}
}

func (e *Eval[T]) SetResult(v T) error {
	return e.s.resolve(v, nil)
}

// SetException resolves the value with a failure. A nil err is not a failure and is rejected.
func (e *Eval[T]) SetException(err error) error {
	if err == nil {
		err = errors.New("nil exception")
	}
	var zero T
	return e.s.resolve(zero, err)
}

func (s *asyncState[T]) resolve(v T, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return ErrAlreadyResolved
	}
	s.resolved = true
	s.value, s.err = v, err
	close(s.done)
	return nil
}

// Get suspends until the value is resolved. It returns the cause of ctx if ctx is done first;
// the value stays available to later calls.
func (a *Async[T]) Get(ctx context.Context) (T, error) {
	if v, err, ok := a.TryGet(); ok {
		return v, err
	}
	if err := Await(ctx, a.s.done); err != nil {
		var zero T
		return zero, err
	}
	return a.s.value, a.s.err
}

// TryGet never suspends; ok is false while the value is unresolved.
func (a *Async[T]) TryGet() (v T, err error, ok bool) {
	select {
	case <-a.s.done:
		return a.s.value, a.s.err, true
	default:
		return v, nil, false
	}
}

func (a *Async[T]) IsResolved() bool {
	_, _, ok := a.TryGet()
	return ok
}

// Done is closed when the value is resolved.
func (a *Async[T]) Done() <-chan struct{} {
	return a.s.done
}
