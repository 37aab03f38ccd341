package routines

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
)

type State int32

const (
	PENDING State = iota
	RUNNING
	SUSPENDED
	COMPLETED
	FAILED
)

func (s State) String() string {
	switch s {
	case PENDING:
		return "PENDING"
	case RUNNING:
		return "RUNNING"
	case SUSPENDED:
		return "SUSPENDED"
	case COMPLETED:
		return "COMPLETED"
	case FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type routineKey struct{}

// Routine is the handle of a spawned unit of work.
type Routine struct {
	id        uint64
	scheduler *Scheduler
	state     atomic.Int32
	// true while the routine holds a worker
	holding atomic.Bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	done chan struct{}
	err  error
}

// Current returns the routine that ctx belongs to, or nil outside of routines.
func Current(ctx context.Context) *Routine {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(routineKey{}).(*Routine)
	return r
}

func (r *Routine) Id() uint64 {
	return r.id
}

func (r *Routine) State() State {
	return State(r.state.Load())
}

// Done is closed once the routine is COMPLETED or FAILED.
func (r *Routine) Done() <-chan struct{} {
	return r.done
}

// Err returns the failure of a FAILED routine. It is nil before the routine finished.
func (r *Routine) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Cancel requests cancellation; the routine's next suspension point returns ErrCancelled.
func (r *Routine) Cancel() {
	r.cancel(ErrCancelled)
}

// Wait suspends until the routine finished and returns its failure, if any.
func (r *Routine) Wait(ctx context.Context) error {
	if err := Await(ctx, r.done); err != nil {
		return err
	}
	return r.err
}

func (r *Routine) run(work Work) {
	s := r.scheduler
	s.acquire()
	r.holding.Store(true)
	s.pending.Add(-1)
	s.running.Add(1)
	r.state.Store(int32(RUNNING))

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("routine %d panicked: %v\n%s", r.id, p, debug.Stack())
		}
		s.running.Add(-1)
		r.err = err
		if err != nil {
			r.state.Store(int32(FAILED))
			s.failed.Add(1)
		} else {
			r.state.Store(int32(COMPLETED))
			s.completed.Add(1)
		}
		r.holding.Store(false)
		s.release()
		r.cancel(nil)
		close(r.done)
		s.live.Done()

		if err != nil && s.onError != nil {
			s.onError(r, err)
		}
	}()

	// Cancelled before it got a worker: never start the body.
	if r.ctx.Err() != nil {
		err = causeOf(r.ctx)
		return
	}
	err = work(r.ctx)
}

// suspend gives the worker back while the routine waits.
func (r *Routine) suspend() {
	r.state.Store(int32(SUSPENDED))
	r.scheduler.running.Add(-1)
	r.scheduler.suspended.Add(1)
	r.scheduler.release()
}

func (r *Routine) resume() {
	r.scheduler.acquire()
	r.scheduler.suspended.Add(-1)
	r.scheduler.running.Add(1)
	r.state.Store(int32(RUNNING))
}

func causeOf(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// IsCancellation reports whether err is the outcome of a cancelled routine or context.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
