package routines

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dermesser/sessionrpc/log"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrCancelled is the cause observed at suspension points of a cancelled routine.
	ErrCancelled = errors.New("routine cancelled")
)

// Work is the body of a routine. The context carries the routine and is cancelled by Routine.Cancel.
type Work func(ctx context.Context) error

// ErrorHandler receives every routine that ends in state FAILED.
type ErrorHandler func(r *Routine, err error)

// Stats is a snapshot of the scheduler's counters.
type Stats struct {
	Spawned   uint64
	Pending   int64
	Running   int64
	Suspended int64
	Completed uint64
	Failed    uint64
}

// Scheduler runs routines on a fixed number of workers.
type Scheduler struct {
	size    int
	workers *semaphore.Weighted
	onError ErrorHandler

	nextId    atomic.Uint64
	pending   atomic.Int64
	running   atomic.Int64
	suspended atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64

	live sync.WaitGroup
}

type Option func(*Scheduler)

// WithPoolSize sets the number of workers. Values below 1 select runtime.NumCPU().
func WithPoolSize(n int) Option {
	return func(s *Scheduler) {
		if n < 1 {
			n = runtime.NumCPU()
		}
		s.size = n
	}
}

// WithErrorHandler replaces the default handler, which logs failed routines.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) {
		s.onError = h
	}
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{size: runtime.NumCPU(), onError: logFailure}
	for _, o := range opts {
		o(s)
	}
	s.workers = semaphore.NewWeighted(int64(s.size))
	return s
}

var defaultScheduler = sync.OnceValue(func() *Scheduler { return NewScheduler() })

// Default returns a process-wide scheduler sized to the number of CPUs.
func Default() *Scheduler {
	return defaultScheduler()
}

func logFailure(r *Routine, err error) {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		log.CRPC_log(log.LOGLEVEL_DEBUG, "routine", r.Id(), "cancelled:", err)
		return
	}
	log.CRPC_log(log.LOGLEVEL_ERRORS, "routine", r.Id(), "failed:", err)
}

// PoolSize returns the number of workers.
func (s *Scheduler) PoolSize() int {
	return s.size
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Spawned:   s.nextId.Load(),
		Pending:   s.pending.Load(),
		Running:   s.running.Load(),
		Suspended: s.suspended.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// Spawn creates a routine in state PENDING; it starts as soon as a worker is free.
func (s *Scheduler) Spawn(work Work) *Routine {
	return s.SpawnContext(context.Background(), work)
}

// SpawnContext is like Spawn, but the routine's context is derived from ctx. Cancelling ctx has
// the same effect on suspension points as cancelling the routine.
func (s *Scheduler) SpawnContext(ctx context.Context, work Work) *Routine {
	r := &Routine{
		id:        s.nextId.Add(1),
		scheduler: s,
		done:      make(chan struct{}),
	}
	ctx, r.cancel = context.WithCancelCause(ctx)
	r.ctx = context.WithValue(ctx, routineKey{}, r)
	r.state.Store(int32(PENDING))

	s.pending.Add(1)
	s.live.Add(1)
	go r.run(work)
	return r
}

// Drain waits until every routine spawned so far has finished.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()
	return Await(ctx, done)
}

func (s *Scheduler) acquire() {
	// Background: a resumed routine must always get its worker back.
	_ = s.workers.Acquire(context.Background(), 1)
}

func (s *Scheduler) release() {
	s.workers.Release(1)
}
