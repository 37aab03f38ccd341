package routines

import (
	"context"
	"runtime"
)

// Receive waits for a value on ch. It is a suspension point: the calling routine's worker is free
// while it waits. ok is false if ch was closed. A done ctx wins over a ready channel.
func Receive[T any](ctx context.Context, ch <-chan T) (v T, ok bool, err error) {
	if ctx.Err() != nil {
		return v, false, causeOf(ctx)
	}
	select {
	case v, ok = <-ch:
		return v, ok, nil
	default:
	}

	if r := Current(ctx); r != nil && r.enterSuspension() {
		defer r.leaveSuspension()
	}

	select {
	case v, ok = <-ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, causeOf(ctx)
	}
}

// Await waits until ch is closed or delivers a value.
func Await[T any](ctx context.Context, ch <-chan T) error {
	_, _, err := Receive(ctx, ch)
	return err
}

// Yield lets other routines run on the calling routine's worker.
func Yield(ctx context.Context) error {
	if ctx.Err() != nil {
		return causeOf(ctx)
	}
	if r := Current(ctx); r != nil && r.enterSuspension() {
		runtime.Gosched()
		r.leaveSuspension()
	} else {
		runtime.Gosched()
	}
	return causeOf(ctx)
}

// Blocking runs fn, which may block the OS thread (socket I/O, syscalls), without holding a
// worker. fn runs on the calling goroutine.
func Blocking(ctx context.Context, fn func() error) error {
	if r := Current(ctx); r != nil && r.enterSuspension() {
		defer r.leaveSuspension()
	}
	return fn()
}

func (r *Routine) enterSuspension() bool {
	if !r.holding.CompareAndSwap(true, false) {
		return false
	}
	r.suspend()
	return true
}

func (r *Routine) leaveSuspension() {
	r.resume()
	r.holding.Store(true)
}
