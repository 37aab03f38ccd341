package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/codec"
	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/routines"
	"github.com/dermesser/sessionrpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler = routines.NewScheduler(routines.WithPoolSize(4))
	return cfg
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// openPair connects two sessions over an in-process pipe.
func openPair(t *testing.T, clientSlots, serverSlots *Slots, clientCfg, serverCfg Config) (*Session, *Session) {
	a, b := transport.Pipe("client", "server")
	client, err := NewSession(a, clientSlots, clientCfg)
	require.NoError(t, err)
	server, err := NewSession(b, serverSlots, serverCfg)
	require.NoError(t, err)

	ctx := testContext(t)
	errc := make(chan error, 1)
	go func() {
		_, err := server.HandshakeServer(ctx, auth.AllowAll{})
		if err == nil {
			err = server.Start()
		}
		errc <- err
	}()

	id, err := client.HandshakeClient(ctx, auth.Password{Account: "tester"})
	require.NoError(t, err)
	require.NoError(t, <-errc)
	require.NoError(t, client.Start())
	assert.Equal(t, "tester", id.Account)
	assert.Equal(t, id, server.Identity())

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

type doubleArgs struct {
	X int `json:"x"`
}

type doubleResult struct {
	Result int `json:"result"`
}

func doubler(cx *Context) {
	var args doubleArgs
	if err := json.Unmarshal(cx.GetInput(), &args); err != nil {
		cx.Fail(err.Error())
		return
	}
	out, _ := json.Marshal(doubleResult{Result: 2 * args.X})
	cx.Success(out)
}

func TestDoubleService(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, doubler))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())

	rsp, err := client.SendRequest(testContext(t), 1, []byte(`{"x":5}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":10}`, string(rsp))

	_, err = client.SendRequest(testContext(t), 1, []byte(`not json`))
	var rqe *RequestError
	require.ErrorAs(t, err, &rqe)
	assert.Equal(t, protocol.CodeHandlerError, rqe.Code)
}

func TestUnknownServiceKeepsSessionOpen(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, doubler))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())
	ctx := testContext(t)

	_, err := client.SendRequest(ctx, 99, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownService)
	assert.Equal(t, StateOpen, client.State())

	rsp, err := client.SendRequest(ctx, 1, []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":2}`, string(rsp))
}

func TestRequestLog(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, doubler))
	core, logs := observer.New(zapcore.InfoLevel)
	scfg := testConfig()
	scfg.RequestLogger = zap.New(core)
	client, server := openPair(t, nil, slots, testConfig(), scfg)
	ctx := testContext(t)

	_, err := client.SendRequest(ctx, 1, []byte(`{"x":3}`))
	require.NoError(t, err)
	_, err = client.SendRequest(ctx, 1, []byte("\x01"))
	require.Error(t, err)

	reqs := logs.FilterMessage("REQ").All()
	require.Len(t, reqs, 2)
	assert.Equal(t, `{"x":3}`, reqs[0].ContextMap()["payload"])
	assert.Equal(t, ".", reqs[1].ContextMap()["payload"])
	assert.Equal(t, server.Id(), reqs[0].ContextMap()["session"])
	assert.Equal(t, uint64(1), reqs[0].ContextMap()["sequence"])

	rsps := logs.FilterMessage("RSP").All()
	require.Len(t, rsps, 1)
	assert.Equal(t, `{"result":6}`, rsps[0].ContextMap()["payload"])
	assert.Equal(t, 1, logs.FilterMessage("ERR").Len())
}

// rawPeer speaks the wire protocol by hand, to misbehave in ways a Session never does.
type rawPeer struct {
	ch transport.Channel
	p  *protocol.Protocol
	r  *protocol.FrameReader
}

func newRawPeer(ch transport.Channel) *rawPeer {
	p := protocol.New(codec.Default(), protocol.DefaultMaxFrameSize)
	return &rawPeer{ch: ch, p: p, r: protocol.NewFrameReader(p, ch)}
}

func (p *rawPeer) read(ctx context.Context) (*protocol.Message, error) {
	return p.r.ReadMessage(ctx)
}

func (p *rawPeer) send(ctx context.Context, m *protocol.Message) error {
	frame, err := p.p.Encode(m)
	if err != nil {
		return err
	}
	return p.ch.Write(ctx, frame)
}

// openAgainstRaw returns a started client session whose peer is a rawPeer that has answered the
// handshake.
func openAgainstRaw(t *testing.T, cfg Config) (*Session, *rawPeer) {
	a, b := transport.Pipe("client", "raw")
	client, err := NewSession(a, nil, cfg)
	require.NoError(t, err)
	peer := newRawPeer(b)
	ctx := testContext(t)

	go func() {
		if m, err := peer.read(ctx); err == nil && m.Kind == protocol.KindHandshake {
			peer.send(ctx, &protocol.Message{Kind: protocol.KindHandshakeResult})
		}
	}()
	_, err = client.HandshakeClient(ctx, auth.Anonymous{})
	require.NoError(t, err)
	require.NoError(t, client.Start())
	t.Cleanup(func() { client.Close() })
	return client, peer
}

func TestHeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.RequestTimeout = 0
	client, _ := openAgainstRaw(t, cfg)
	ctx := testContext(t)

	// pending while the peer goes silent
	pending := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, 1, nil)
		pending <- err
	}()

	err := client.Wait(ctx)
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	assert.Equal(t, StateClosed, client.State())

	err = <-pending
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, err, ErrHeartbeatTimeout)

	start := time.Now()
	_, err = client.SendRequest(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHeartbeatsKeepIdleSessionOpen(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	client, server := openPair(t, nil, nil, cfg, cfg)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateOpen, client.State())
	assert.Equal(t, StateOpen, server.State())
}

func TestRequestTimeoutDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		routines.Await(cx.Context(), release)
		cx.Success([]byte("late"))
	}))
	require.NoError(t, slots.AddSlot(2, func(cx *Context) { cx.Success([]byte("fast")) }))

	ccfg := testConfig()
	ccfg.RequestTimeout = 100 * time.Millisecond
	client, _ := openPair(t, nil, slots, ccfg, testConfig())
	ctx := testContext(t)

	start := time.Now()
	_, err := client.SendRequest(ctx, 1, nil)
	took := time.Since(start)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, took, 100*time.Millisecond)
	assert.Less(t, took, 400*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.discarded.Len() == 0
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateOpen, client.State())
	rsp, err := client.SendRequest(ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("fast"), rsp)
}

func TestCancelledRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		routines.Await(cx.Context(), release)
	}))
	cfg := testConfig()
	client, _ := openPair(t, nil, slots, cfg, testConfig())

	r := cfg.Scheduler.Spawn(func(ctx context.Context) error {
		_, err := client.SendRequest(ctx, 1, nil)
		return err
	})
	require.Eventually(t, func() bool { return r.State() == routines.SUSPENDED }, 5*time.Second, time.Millisecond)
	r.Cancel()

	err := r.Wait(testContext(t))
	assert.ErrorIs(t, err, routines.ErrCancelled)
	assert.Equal(t, StateOpen, client.State())
}

func TestCloseFailsPendingRequests(t *testing.T) {
	started := make(chan struct{})
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		close(started)
		routines.Await(cx.Context(), make(chan struct{}))
	}))
	cfg := testConfig()
	cfg.RequestTimeout = 0
	client, server := openPair(t, nil, slots, cfg, testConfig())
	ctx := testContext(t)

	pending := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, 1, nil)
		pending <- err
	}()
	<-started

	require.NoError(t, client.Close())
	assert.ErrorIs(t, <-pending, ErrConnectionClosed)
	assert.NoError(t, client.Err())
	assert.Equal(t, StateClosed, client.State())
	// idempotent
	assert.NoError(t, client.Close())

	// the peer notices the closed transport
	assert.Error(t, server.Wait(ctx))
}

func TestOnClose(t *testing.T) {
	client, _ := openPair(t, nil, nil, testConfig(), testConfig())
	var reasons []error
	var mu sync.Mutex
	hook := func(s *Session, err error) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, err)
		// hooks may close again
		s.Close()
	}
	client.OnClose(hook)
	client.CloseWithError(ErrProtocolViolation)
	client.OnClose(hook)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 2)
	assert.ErrorIs(t, reasons[0], ErrProtocolViolation)
	assert.ErrorIs(t, reasons[1], ErrProtocolViolation)
}

func TestResponseForUnknownSequenceClosesSession(t *testing.T) {
	client, peer := openAgainstRaw(t, testConfig())
	ctx := testContext(t)

	require.NoError(t, peer.send(ctx, &protocol.Message{Kind: protocol.KindResponse, Sequence: 42}))
	assert.ErrorIs(t, client.Wait(ctx), ErrProtocolViolation)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	client, peer := openAgainstRaw(t, testConfig())
	ctx := testContext(t)

	// length 2, unknown kind
	require.NoError(t, peer.ch.Write(ctx, []byte{0x02, 0xee, 0x00}))
	err := client.Wait(ctx)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
}

func TestHandshakeRefused(t *testing.T) {
	a, b := transport.Pipe("client", "server")
	client, err := NewSession(a, nil, testConfig())
	require.NoError(t, err)
	server, err := NewSession(b, nil, testConfig())
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()
	ctx := testContext(t)

	refuse := auth.ServerAuthenticatorFunc(func(ctx context.Context, creds []byte, remote string) (auth.Identity, error) {
		return auth.Identity{}, fmt.Errorf("%w: go away", auth.ErrAuthentication)
	})
	errc := make(chan error, 1)
	go func() {
		_, err := server.HandshakeServer(ctx, refuse)
		errc <- err
	}()

	_, err = client.HandshakeClient(ctx, auth.Anonymous{})
	assert.ErrorIs(t, err, auth.ErrAuthentication)
	assert.Contains(t, err.Error(), "go away")
	assert.ErrorIs(t, <-errc, auth.ErrAuthentication)

	// no application traffic before a handshake
	_, err = client.SendRequest(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	a, b := transport.Pipe("client", "server")
	server, err := NewSession(b, nil, testConfig())
	require.NoError(t, err)
	defer server.Close()
	peer := newRawPeer(a)
	ctx := testContext(t)

	go peer.send(ctx, &protocol.Message{Kind: protocol.KindRequest, Sequence: 1, Service: 1})
	_, err = server.HandshakeServer(ctx, auth.AllowAll{})
	assert.ErrorIs(t, err, auth.ErrAuthentication)

	m, err := peer.read(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindHandshakeResult, m.Kind)
	require.NotNil(t, m.Error)
	assert.Equal(t, protocol.CodeUnauthorized, m.Error.Code)
}

func TestHandshakeTimeout(t *testing.T) {
	a, _ := transport.Pipe("client", "server")
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	client, err := NewSession(a, nil, cfg)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.HandshakeClient(testContext(t), auth.Anonymous{})
	assert.ErrorIs(t, err, auth.ErrAuthentication)
}

func TestRecords(t *testing.T) {
	got := make(chan string, 2)
	slots := NewSlots()
	require.NoError(t, slots.AddRecordSlot(3, func(cx *Context) {
		got <- string(cx.GetInput())
		if !cx.IsRecord() {
			got <- "not a record"
		}
	}))
	require.NoError(t, slots.AddRecordSlot(4, func(cx *Context) { cx.Fail("ignored") }))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())
	ctx := testContext(t)

	require.NoError(t, client.SendRecord(ctx, 4, []byte("fails")))
	require.NoError(t, client.SendRecord(ctx, 99, []byte("nobody listens")))
	require.NoError(t, client.SendRecord(ctx, 3, []byte("hello")))

	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-ctx.Done():
		t.Fatal("record not delivered")
	}
	assert.Equal(t, StateOpen, client.State())
}

func TestServerPushesRecordToClient(t *testing.T) {
	got := make(chan []byte, 1)
	clientSlots := NewSlots()
	require.NoError(t, clientSlots.AddRecordSlot(1, func(cx *Context) { got <- cx.GetInput() }))
	_, server := openPair(t, clientSlots, nil, testConfig(), testConfig())
	ctx := testContext(t)

	require.NoError(t, server.SendRecord(ctx, 1, []byte("push")))
	select {
	case b := <-got:
		assert.Equal(t, []byte("push"), b)
	case <-ctx.Done():
		t.Fatal("record not delivered")
	}
}

func TestHandlerPanic(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) { panic("oops") }))
	require.NoError(t, slots.AddSlot(2, nop))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())
	ctx := testContext(t)

	_, err := client.SendRequest(ctx, 1, nil)
	var rqe *RequestError
	require.ErrorAs(t, err, &rqe)
	assert.Equal(t, protocol.CodeInternalError, rqe.Code)

	rsp, err := client.SendRequest(ctx, 2, nil)
	require.NoError(t, err)
	assert.Empty(t, rsp)
}

func TestPreHook(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, nop))
	require.NoError(t, slots.AddPreHook(func(cx *Context) error {
		if cx.Identity().Account != "root" {
			return NewRequestError(protocol.CodeUnauthorized, "%s may not call %d", cx.Identity().Account, cx.Service())
		}
		return nil
	}))
	client, _ := openPair(t, nil, slots, testConfig(), testConfig())

	_, err := client.SendRequest(testContext(t), 1, nil)
	var rqe *RequestError
	require.ErrorAs(t, err, &rqe)
	assert.Equal(t, protocol.CodeUnauthorized, rqe.Code)
	assert.Equal(t, "tester may not call 1", rqe.Message)
}

func TestNestedCallBackToClient(t *testing.T) {
	clientSlots := NewSlots()
	require.NoError(t, clientSlots.AddSlot(7, func(cx *Context) {
		cx.Success(append([]byte("client saw "), cx.GetInput()...))
	}))
	serverSlots := NewSlots()
	require.NoError(t, serverSlots.AddSlot(1, func(cx *Context) {
		rsp, err := cx.Session().SendRequest(cx.Context(), 7, cx.GetInput())
		if err != nil {
			cx.FailWithError(err)
			return
		}
		cx.Success(rsp)
	}))

	cfg := testConfig()
	cfg.Scheduler = routines.NewScheduler(routines.WithPoolSize(1))
	client, _ := openPair(t, clientSlots, serverSlots, cfg, cfg)

	rsp, err := client.SendRequest(testContext(t), 1, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "client saw ping", string(rsp))
}

func TestConcurrentRequests(t *testing.T) {
	slots := NewSlots()
	require.NoError(t, slots.AddSlot(1, func(cx *Context) {
		routines.Yield(cx.Context())
		cx.Success(cx.GetInput())
	}))
	cfg := testConfig()
	cfg.Scheduler = routines.NewScheduler(routines.WithPoolSize(2))
	client, _ := openPair(t, nil, slots, cfg, cfg)
	ctx := testContext(t)

	g := routines.NewGroup(ctx, cfg.Scheduler)
	for i := 0; i < 200; i++ {
		g.Spawn(func(ctx context.Context) error {
			want := fmt.Sprint(i)
			rsp, err := client.SendRequest(ctx, 1, []byte(want))
			if err != nil {
				return err
			}
			if string(rsp) != want {
				return errors.New("got " + string(rsp) + " for " + want)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, uint64(200), client.nextSequence)
	assert.Empty(t, client.pending)
}

func TestOversizeRequestIsLocalError(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameSize = 256
	client, _ := openPair(t, nil, nil, cfg, testConfig())

	_, err := client.SendRequest(testContext(t), 1, make([]byte, 1024))
	assert.ErrorIs(t, err, codec.ErrEncoding)
	assert.Equal(t, StateOpen, client.State())
}
