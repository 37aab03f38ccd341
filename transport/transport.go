// Package transport provides the byte-stream channels that sessions run on.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed channel or listener.
	ErrClosed = errors.New("transport closed")
)

// Channel is a reliable, ordered byte stream to a peer.
//
// Read is a suspension point and returns chunks of the stream in arrival order; the chunk
// boundaries carry no meaning. Write sends the whole buffer or fails. Read and Write may be called
// concurrently with each other, but concurrent Writes must be serialized by the caller.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close() error
	RemoteAddr() string
}

type Listener interface {
	// Accept suspends until a peer connects.
	Accept(ctx context.Context) (Channel, error)
	Close() error
	Addr() string
}

type Dialer interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Channel, error) {
	return f(ctx, addr)
}
