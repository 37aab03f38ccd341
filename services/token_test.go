package services

import (
	"context"
	"testing"
	"time"

	"github.com/dermesser/sessionrpc/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	payload []byte
	err     error
}

// deferringSlots serves service 1 by handing a token to tokens and returning.
func deferringSlots(t *testing.T, tokens chan<- *RequestToken) *Slots {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		tokens <- cx.Defer()
	}))
	return slots
}

func sendAsync(ctx context.Context, s *Session, payload []byte) <-chan reply {
	out := make(chan reply, 1)
	go func() {
		rsp, err := s.SendRequest(ctx, 1, payload)
		out <- reply{rsp, err}
	}()
	return out
}

func TestDeferredResponse(t *testing.T) {
	tokens := make(chan *RequestToken, 1)
	client, _ := openPair(t, nil, deferringSlots(t, tokens), testConfig(), testConfig())
	ctx := testContext(t)

	pending := sendAsync(ctx, client, []byte("q"))
	token := <-tokens
	assert.Equal(t, uint32(1), token.Service())
	assert.False(t, token.Answered())

	select {
	case r := <-pending:
		t.Fatalf("answered before the token: %v", r)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, token.Success(ctx, []byte("later")))
	r := <-pending
	require.NoError(t, r.err)
	assert.Equal(t, []byte("later"), r.payload)
	assert.True(t, token.Answered())

	assert.ErrorIs(t, token.Success(ctx, []byte("again")), ErrAlreadyAnswered)
	assert.ErrorIs(t, token.Fail(ctx, "again"), ErrAlreadyAnswered)
}

func TestDeferredResponsesInAnyOrder(t *testing.T) {
	tokens := make(chan *RequestToken, 2)
	client, _ := openPair(t, nil, deferringSlots(t, tokens), testConfig(), testConfig())
	ctx := testContext(t)

	first := sendAsync(ctx, client, nil)
	a := <-tokens
	second := sendAsync(ctx, client, nil)
	b := <-tokens

	require.NoError(t, b.Fail(ctx, "second fails"))
	r := <-second
	var rqe *RequestError
	require.ErrorAs(t, r.err, &rqe)
	assert.Equal(t, protocol.CodeHandlerError, rqe.Code)
	assert.Equal(t, "second fails", rqe.Message)

	require.NoError(t, a.FailWithError(ctx, &RequestError{Code: protocol.CodeLoadshed, Message: "busy"}))
	r = <-first
	require.ErrorAs(t, r.err, &rqe)
	assert.Equal(t, protocol.CodeLoadshed, rqe.Code)
}

func TestDeferredHandlerPanic(t *testing.T) {
	var token *RequestToken
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		token = cx.Defer()
		panic("after defer")
	}))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())
	ctx := testContext(t)

	_, err := client.SendRequest(ctx, 1, nil)
	var rqe *RequestError
	require.ErrorAs(t, err, &rqe)
	assert.Equal(t, protocol.CodeInternalError, rqe.Code)
	assert.ErrorIs(t, token.Success(ctx, nil), ErrAlreadyAnswered)
}

func TestDeferredResponseOnClosedSession(t *testing.T) {
	tokens := make(chan *RequestToken, 1)
	client, server := openPair(t, nil, deferringSlots(t, tokens), testConfig(), testConfig())
	ctx := testContext(t)

	pending := sendAsync(ctx, client, nil)
	token := <-tokens
	assert.Same(t, server, token.Session())
	require.NoError(t, server.Close())

	assert.ErrorIs(t, (<-pending).err, ErrConnectionClosed)
	assert.ErrorIs(t, token.Success(ctx, []byte("too late")), ErrConnectionClosed)
}
