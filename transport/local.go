package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dermesser/sessionrpc/queue"
)

// In-process channels, used to run clients and servers without sockets.

type localChannel struct {
	in     *queue.Queue[[]byte]
	peer   *localChannel
	remote string

	closeOnce sync.Once
	closed    atomic.Bool
}

// Pipe returns two connected in-process channels. Each one reports the other's name as RemoteAddr.
func Pipe(nameA, nameB string) (Channel, Channel) {
	a := &localChannel{in: queue.New[[]byte](), remote: nameB}
	b := &localChannel{in: queue.New[[]byte](), remote: nameA}
	a.peer, b.peer = b, a
	return a, b
}

func (c *localChannel) Read(ctx context.Context) ([]byte, error) {
	chunk, err := c.in.Pop(ctx)
	if errors.Is(err, queue.ErrPipeBroken) {
		return nil, fmt.Errorf("%w: closed by peer", ErrClosed)
	}
	return chunk, err
}

func (c *localChannel) Write(ctx context.Context, b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if err := c.peer.in.Push(cp); err != nil {
		return fmt.Errorf("%w: peer is gone", ErrClosed)
	}
	return nil
}

func (c *localChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.in.Break(ErrClosed)
		// the peer may still read what was sent before
		c.peer.in.Break(nil)
	})
	return nil
}

func (c *localChannel) RemoteAddr() string {
	return c.remote
}

// LocalListener accepts in-process connections. It is also the Dialer for them.
type LocalListener struct {
	name    string
	pending *queue.Queue[Channel]
	dialed  atomic.Uint64
}

func NewLocalListener(name string) *LocalListener {
	return &LocalListener{name: name, pending: queue.New[Channel]()}
}

func (l *LocalListener) Accept(ctx context.Context) (Channel, error) {
	ch, err := l.pending.Pop(ctx)
	if errors.Is(err, queue.ErrPipeBroken) {
		return nil, ErrClosed
	}
	return ch, err
}

// Dial connects to the listener; addr is ignored.
func (l *LocalListener) Dial(ctx context.Context, addr string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.dialed.Add(1)
	client, server := Pipe(fmt.Sprintf("local://%s/client-%d", l.name, n), l.Addr())
	if err := l.pending.Push(server); err != nil {
		return nil, ErrClosed
	}
	return client, nil
}

func (l *LocalListener) Close() error {
	for _, ch := range l.pending.Drain(ErrClosed) {
		ch.Close()
	}
	return nil
}

func (l *LocalListener) Addr() string {
	return "local://" + l.name
}
