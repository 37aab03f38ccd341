package transport

// TCP channel implementation
//
// Implementation details:
// - Every channel has one pump goroutine reading from the socket; chunks are pushed to a queue and
//   Read pops from it, so that a routine waiting for data does not hold a worker.
// - Every listener has one pump goroutine accepting connections into a queue, Accept pops from it.
// - Writes run through routines.Blocking.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/queue"
	"github.com/dermesser/sessionrpc/routines"
)

const readBufferSize = 32 << 10

type tcpChannel struct {
	conn net.Conn
	in   *queue.Queue[[]byte]

	closed    atomic.Bool
	closeOnce sync.Once
	// why the read side ended; written before the queue breaks
	readErr error
}

// NewTCPChannel wraps an established connection.
func NewTCPChannel(conn net.Conn) Channel {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	c := &tcpChannel{conn: conn, in: queue.New[[]byte]()}
	go c.pump()
	return c
}

func (c *tcpChannel) pump() {
	for {
		buf := make([]byte, readBufferSize)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.in.Push(buf[:n])
		}
		if err != nil {
			c.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
			// buffered chunks stay readable
			c.in.Break(nil)
			return
		}
	}
}

func (c *tcpChannel) Read(ctx context.Context) ([]byte, error) {
	chunk, err := c.in.Pop(ctx)
	if errors.Is(err, queue.ErrPipeBroken) {
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, ErrClosed
	}
	return chunk, err
}

func (c *tcpChannel) Write(ctx context.Context, b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return routines.Blocking(ctx, func() error {
		deadline, _ := ctx.Deadline()
		c.conn.SetWriteDeadline(deadline)

		_, err := c.conn.Write(b)
		if err != nil && c.closed.Load() {
			return ErrClosed
		}
		return err
	})
}

func (c *tcpChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.in.Break(ErrClosed)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// TCPDialer connects to "host:port" or "tcp://host:port" addresses.
type TCPDialer struct {
	// Connection timeout, none if zero
	Timeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Channel, error) {
	pa, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if pa.IsIPC() {
		return nil, fmt.Errorf("tcp dialer cannot connect to %s", pa.ToUrl())
	}

	var conn net.Conn
	err = routines.Blocking(ctx, func() error {
		var derr error
		nd := net.Dialer{Timeout: d.Timeout}
		conn, derr = nd.DialContext(ctx, "tcp", pa.HostPort())
		return derr
	})
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not connect to", pa.String(), err)
		return nil, err
	}
	return NewTCPChannel(conn), nil
}

type TCPListener struct {
	listener net.Listener
	accepted *queue.Queue[Channel]
	closed   atomic.Bool
}

// ListenTCP listens on addr ("host:port"; port 0 picks a free port).
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tl := &TCPListener{listener: l, accepted: queue.New[Channel]()}
	go tl.pump()
	return tl, nil
}

func (l *TCPListener) pump() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !l.closed.Load() {
				continue
			}
			if !l.closed.Load() {
				log.CRPC_log(log.LOGLEVEL_ERRORS, "Accept on", l.Addr(), "failed:", err)
			}
			for _, ch := range l.accepted.Drain(fmt.Errorf("%w: %v", ErrClosed, err)) {
				ch.Close()
			}
			return
		}
		log.CRPC_log(log.LOGLEVEL_DEBUG, "Accepted connection from", conn.RemoteAddr().String())

		ch := NewTCPChannel(conn)
		if err := l.accepted.Push(ch); err != nil {
			ch.Close()
		}
	}
}

func (l *TCPListener) Accept(ctx context.Context) (Channel, error) {
	return l.accepted.Pop(ctx)
}

func (l *TCPListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.listener.Close()
	for _, ch := range l.accepted.Drain(ErrClosed) {
		ch.Close()
	}
	return err
}

func (l *TCPListener) Addr() string {
	return l.listener.Addr().String()
}
