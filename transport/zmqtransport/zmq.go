/*
Package zmqtransport carries sessions over ZeroMQ sockets.

A client channel is a DEALER socket; a Listener is one ROUTER socket demultiplexing the peers it
sees into one channel per DEALER identity. Each socket is owned by exactly one goroutine, which
polls it and moves messages between the socket and Go-side queues. The goroutine sleeps in Poll
until a message arrives or a writer wakes it through an inproc PAIR socket.

ZeroMQ does not report disconnects, so a channel that is closed sends an empty message to its
peer, which ends the peer's read side. Peers that vanish without it are found by session
heartbeats.

Client and server CURVE encryption and ZAP address filtering are configured through the
securitymanager package.
*/
package zmqtransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/queue"
	"github.com/dermesser/sessionrpc/securitymanager"
	"github.com/dermesser/sessionrpc/transport"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
)

const linger = 100 * time.Millisecond

// Accepts "tcp://host:port", "ipc://path", "inproc://name" and "host:port".
func endpoint(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "tcp://" + addr
}

func mapBroken(err error, why string) error {
	if errors.Is(err, queue.ErrPipeBroken) {
		return fmt.Errorf("%w: %s", transport.ErrClosed, why)
	}
	return err
}

// Dialer creates DEALER channels.
type Dialer struct {
	// Optional; if set, the connection is encrypted with CURVE.
	Security *securitymanager.ClientSecurityManager
}

func (d Dialer) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, err
	}
	identity := uuid.NewString()

	setup := func() error {
		if err := sock.SetIdentity(identity); err != nil {
			return err
		}
		if err := sock.SetLinger(linger); err != nil {
			return err
		}
		if err := d.Security.ApplyToClientSocket(sock); err != nil {
			return err
		}
		return sock.Connect(endpoint(addr))
	}
	if err := setup(); err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not connect to", addr, err)
		sock.Close()
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		sock.Close()
		return nil, err
	}

	c := &dealerChannel{
		sock:   sock,
		wake:   w,
		remote: endpoint(addr),
		in:     queue.New[[]byte](),
		out:    queue.New[[]byte](),
		stop:   make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

type dealerChannel struct {
	sock   *zmq.Socket
	wake   *waker
	remote string
	in     *queue.Queue[[]byte]
	out    *queue.Queue[[]byte]

	stop      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *dealerChannel) loop() {
	defer c.sock.Close()
	defer c.wake.close()

	poller := zmq.NewPoller()
	poller.Add(c.sock, zmq.POLLIN)
	poller.Add(c.wake.recv, zmq.POLLIN)

	for {
		select {
		case <-c.stop:
			c.flush()
			c.sock.SendBytes(nil, zmq.DONTWAIT)
			return
		default:
		}
		c.flush()

		// blocks until a message arrives or a writer wakes us
		polled, err := poller.Poll(-1)
		if err != nil {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Polling error on", c.remote, err)
			c.closed.Store(true)
			c.in.Break(fmt.Errorf("%w: %v", transport.ErrClosed, err))
			return
		}
		for _, p := range polled {
			if p.Socket == c.wake.recv {
				c.wake.drain()
			}
		}
		if !c.receive() {
			return
		}
	}
}

// receive moves all waiting messages to the read queue. false when the peer said goodbye.
func (c *dealerChannel) receive() bool {
	for {
		msg, err := c.sock.RecvBytes(zmq.DONTWAIT)
		if err != nil {
			return true
		}
		if len(msg) == 0 {
			log.CRPC_log(log.LOGLEVEL_DEBUG, "Peer", c.remote, "closed the channel")
			c.closed.Store(true)
			c.in.Break(nil)
			return false
		}
		c.in.Push(msg)
	}
}

func (c *dealerChannel) flush() {
	for {
		msg, ok, _ := c.out.TryPop()
		if !ok {
			return
		}
		if _, err := c.sock.SendBytes(msg, 0); err != nil {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not send to", c.remote, err)
		}
	}
}

func (c *dealerChannel) Read(ctx context.Context) ([]byte, error) {
	msg, err := c.in.Pop(ctx)
	return msg, mapBroken(err, "closed by peer")
}

func (c *dealerChannel) Write(ctx context.Context, b []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if len(b) == 0 {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if err := c.out.Push(cp); err != nil {
		return mapBroken(err, "channel closed")
	}
	c.wake.wake()
	return nil
}

func (c *dealerChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.in.Break(transport.ErrClosed)
		close(c.stop)
		c.wake.wake()
	})
	return nil
}

func (c *dealerChannel) RemoteAddr() string {
	return c.remote
}

type routed struct {
	identity string
	data     []byte
	goodbye  bool
}

// Listener is a ROUTER socket accepting one channel per DEALER peer.
type Listener struct {
	sock     *zmq.Socket
	wake     *waker
	addr     string
	accepted *queue.Queue[transport.Channel]
	out      *queue.Queue[routed]

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Listen binds a ROUTER socket to addr. A tcp port "*" binds an ephemeral port; Addr() reports the
// actual endpoint. security may be nil.
func Listen(addr string, security *securitymanager.ServerSecurityManager) (*Listener, error) {
	sock, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return nil, err
	}
	bound, err := func() (string, error) {
		if err := sock.SetLinger(linger); err != nil {
			return "", err
		}
		// unroutable messages fail with EHOSTUNREACH instead of being dropped silently
		if err := sock.SetRouterMandatory(1); err != nil {
			return "", err
		}
		if err := security.ApplyToServerSocket(sock); err != nil {
			return "", err
		}
		if err := sock.Bind(endpoint(addr)); err != nil {
			return "", err
		}
		return sock.GetLastEndpoint()
	}()
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Could not bind to", addr, err)
		sock.Close()
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		sock.Close()
		return nil, err
	}

	l := &Listener{
		sock:     sock,
		wake:     w,
		addr:     bound,
		accepted: queue.New[transport.Channel](),
		out:      queue.New[routed](),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go l.loop()
	return l, nil
}

func (l *Listener) loop() {
	defer close(l.stopped)
	defer l.sock.Close()
	defer l.wake.close()

	peers := make(map[string]*routerPeer)
	poller := zmq.NewPoller()
	poller.Add(l.sock, zmq.POLLIN)
	poller.Add(l.wake.recv, zmq.POLLIN)

	for {
		select {
		case <-l.stop:
			l.flush(peers)
			for id, p := range peers {
				l.sock.SendMessage(id, []byte{})
				p.shutdown(fmt.Errorf("%w: listener closed", transport.ErrClosed))
			}
			return
		default:
		}
		l.flush(peers)

		polled, err := poller.Poll(-1)
		if err != nil {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Polling error on", l.addr, err)
			for _, p := range peers {
				p.shutdown(fmt.Errorf("%w: %v", transport.ErrClosed, err))
			}
			for _, ch := range l.accepted.Drain(fmt.Errorf("%w: %v", transport.ErrClosed, err)) {
				ch.Close()
			}
			return
		}
		for _, p := range polled {
			if p.Socket == l.wake.recv {
				l.wake.drain()
			}
		}
		l.receive(peers)
	}
}

// receive dispatches all waiting messages to their peers, accepting unknown ones.
func (l *Listener) receive(peers map[string]*routerPeer) {
	for {
		// [identity, data]
		parts, err := l.sock.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			return
		}
		if len(parts) < 2 {
			continue
		}
		id, data := string(parts[0]), parts[len(parts)-1]
		p := peers[id]

		if len(data) == 0 {
			if p != nil {
				log.CRPC_log(log.LOGLEVEL_DEBUG, "Peer", id, "closed the channel")
				p.shutdown(nil)
				delete(peers, id)
			}
			continue
		}
		if p == nil {
			p = &routerPeer{listener: l, identity: id, in: queue.New[[]byte]()}
			if err := l.accepted.Push(p); err != nil {
				continue
			}
			peers[id] = p
			log.CRPC_log(log.LOGLEVEL_DEBUG, "Accepted zmq peer", id)
		}
		p.in.Push(data)
	}
}

func (l *Listener) flush(peers map[string]*routerPeer) {
	for {
		r, ok, _ := l.out.TryPop()
		if !ok {
			return
		}
		if r.goodbye {
			delete(peers, r.identity)
		}
		_, err := l.sock.SendMessage(r.identity, r.data)
		if err == nil {
			continue
		}
		if errno, ok := err.(zmq.Errno); ok && errno == zmq.EHOSTUNREACH {
			// routing is mandatory; fails when the client has already disconnected
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not route message to peer", r.identity)
			if p := peers[r.identity]; p != nil {
				p.shutdown(fmt.Errorf("%w: peer unreachable", transport.ErrClosed))
				delete(peers, r.identity)
			}
		} else {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Error when sending to peer", r.identity, err)
		}
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Channel, error) {
	ch, err := l.accepted.Pop(ctx)
	return ch, mapBroken(err, "listener closed")
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		l.wake.wake()
		<-l.stopped
		l.out.Break(transport.ErrClosed)
		for _, ch := range l.accepted.Drain(transport.ErrClosed) {
			ch.Close()
		}
	})
	return nil
}

// Addr returns the bound endpoint, e.g. "tcp://127.0.0.1:40123".
func (l *Listener) Addr() string {
	return l.addr
}

type routerPeer struct {
	listener *Listener
	identity string
	in       *queue.Queue[[]byte]

	closeOnce sync.Once
	closed    atomic.Bool
}

// Called by the listener loop.
func (p *routerPeer) shutdown(err error) {
	p.closed.Store(true)
	p.in.Break(err)
}

func (p *routerPeer) Read(ctx context.Context) ([]byte, error) {
	msg, err := p.in.Pop(ctx)
	return msg, mapBroken(err, "closed by peer")
}

func (p *routerPeer) Write(ctx context.Context, b []byte) error {
	if p.closed.Load() {
		return transport.ErrClosed
	}
	if len(b) == 0 {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if err := p.listener.out.Push(routed{identity: p.identity, data: cp}); err != nil {
		return mapBroken(err, "listener closed")
	}
	p.listener.wake.wake()
	return nil
}

func (p *routerPeer) Close() error {
	p.closeOnce.Do(func() {
		p.in.Break(transport.ErrClosed)
		// no goodbye for a peer that has left already
		if !p.closed.Swap(true) {
			p.listener.out.Push(routed{identity: p.identity, data: []byte{}, goodbye: true})
			p.listener.wake.wake()
		}
	})
	return nil
}

func (p *routerPeer) RemoteAddr() string {
	return "zmq://" + p.identity
}
