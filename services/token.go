package services

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dermesser/sessionrpc/protocol"

	pb "github.com/gogo/protobuf/proto"
)

/*
RequestToken answers a request after its handler has returned. A handler that cannot answer right
away, because the result depends on another request or event, calls Context.Defer, keeps the token
and returns; the request stays pending on the caller's side until one of the token's methods is
called, from any routine or goroutine. Only the first answer is sent.

The handler's Context must not be used once it has returned.
*/
type RequestToken struct {
	cx       *Context
	answered atomic.Bool
}

/*
Defer detaches the response from the handler: returning from the handler sends nothing, and the
returned token answers instead. Calling Defer again returns the same token. If the handler panics
before the token answered, the caller gets an INTERNAL_ERROR as usual.

For records, the token's answers are only logged.
*/
func (c *Context) Defer() *RequestToken {
	if c.deferred == nil {
		c.deferred = &RequestToken{cx: c}
	}
	return c.deferred
}

func (t *RequestToken) claim() bool {
	return t.answered.CompareAndSwap(false, true)
}

func (t *RequestToken) Session() *Session {
	return t.cx.session
}

func (t *RequestToken) Service() uint32 {
	return t.cx.service
}

// Answered is true once the token has sent its response.
func (t *RequestToken) Answered() bool {
	return t.answered.Load()
}

// Success sends data as the result.
func (t *RequestToken) Success(ctx context.Context, data []byte) error {
	return t.answer(ctx, func(cx *Context) { cx.Success(data) })
}

// Return sends msg as the result.
func (t *RequestToken) Return(ctx context.Context, msg pb.Message) error {
	b, err := pb.Marshal(msg)
	if err != nil {
		return err
	}
	return t.Success(ctx, b)
}

func (t *RequestToken) Fail(ctx context.Context, msg string) error {
	return t.FailWithCode(ctx, protocol.CodeHandlerError, msg)
}

func (t *RequestToken) FailWithCode(ctx context.Context, code protocol.Code, msg string) error {
	return t.answer(ctx, func(cx *Context) { cx.FailWithCode(code, msg) })
}

// FailWithError fails with err; a *RequestError keeps its code.
func (t *RequestToken) FailWithError(ctx context.Context, err error) error {
	r := toRemote(err)
	return t.FailWithCode(ctx, r.Code, r.Message)
}

func (t *RequestToken) answer(ctx context.Context, set func(*Context)) error {
	if !t.claim() {
		return ErrAlreadyAnswered
	}
	cx := t.cx
	set(cx)
	if cx.record {
		return nil
	}

	s := cx.session
	select {
	case <-s.done:
		return fmt.Errorf("%w: response %d not sent", ErrConnectionClosed, cx.sequence)
	default:
	}
	rsp := cx.toResponse()
	s.cfg.Metrics.RequestHandled(rsp.Error)
	return s.write(ctx, rsp)
}
