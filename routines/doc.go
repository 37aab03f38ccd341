/*
Package routines multiplexes many logical threads of control onto a small pool of workers.

A routine is spawned on a Scheduler and holds one of the scheduler's worker tokens while it runs.
It gives the token back only at explicit suspension points: Receive/Await on a channel,
Async.Get on an unresolved value, Mutex.Lock on a held lock, Yield, and Blocking (for calls that
block the OS thread, such as socket writes). When the awaited condition resolves, the routine
waits for a free worker before it continues. A routine never runs concurrently with itself.

	sched := routines.NewScheduler(routines.WithPoolSize(4))
	async, eval := routines.NewAsync[int]()

	sched.Spawn(func(ctx context.Context) error {
		return eval.SetResult(42)
	})
	r := sched.Spawn(func(ctx context.Context) error {
		v, err := async.Get(ctx) // suspends, freeing the worker
		...
	})
	err := r.Wait(context.Background())

Cancellation is cooperative: Routine.Cancel marks the routine's context as done with ErrCancelled,
and the next suspension point returns that error. A routine that returns an error or panics ends up
in state FAILED; the error is kept on the handle and passed to the scheduler's error handler.

The suspension helpers also work outside of routines; they then simply block the calling goroutine.
*/
package routines
