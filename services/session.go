package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/codec"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/metrics"
	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/routines"
	"github.com/dermesser/sessionrpc/transport"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

type State int32

const (
	StateConstructed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "CONSTRUCTED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errClosedLocally = errors.New("closed locally")

/*
Session is one authenticated connection. Both ends of a connection have a Session; either side may
send requests and records, and either side dispatches what it receives through its Slots.

A session is created in state OPENING, runs one of the handshakes, and is started, which makes it
OPEN: a read loop and a heartbeat loop now run as routines. It ends CLOSED, either by Close or
because of a transport failure, a protocol violation or a heartbeat timeout. Every request still
pending at that point fails with ErrConnectionClosed.
*/
type Session struct {
	id      string
	cfg     Config
	channel transport.Channel
	proto   *protocol.Protocol
	reader  *protocol.FrameReader
	slots   *Slots

	// serializes frames on the channel
	writeMu routines.Mutex

	// guards the fields below; never held across a suspension point
	mu           sync.Mutex
	identity     auth.Identity
	pending      map[uint64]*routines.Eval[*protocol.Message]
	discarded    *lru.Cache[uint64, struct{}]
	nextSequence uint64
	closeErr     error
	onClose      []func(*Session, error)

	state    atomic.Int32
	lastSeen atomic.Int64

	ctx        context.Context
	cancel     context.CancelCauseFunc
	done       chan struct{}
	closeOnce  sync.Once
	channelErr error
}

// NewSession wraps ch. slots may be nil for a session that only sends requests.
func NewSession(ch transport.Channel, slots *Slots, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	discarded, err := lru.New[uint64, struct{}](cfg.DiscardCacheSize)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = NewSlots()
	}

	p := protocol.New(cfg.Codec, cfg.MaxFrameSize)
	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		channel:   ch,
		proto:     p,
		reader:    protocol.NewFrameReader(p, ch),
		slots:     slots,
		pending:   make(map[uint64]*routines.Eval[*protocol.Message]),
		discarded: discarded,
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancelCause(context.Background())
	s.state.Store(int32(StateOpening))
	return s, nil
}

// Id is a random id used in log lines.
func (s *Session) Id() string {
	return s.id
}

func (s *Session) RemoteAddr() string {
	return s.channel.RemoteAddr()
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Slots() *Slots {
	return s.slots
}

// Done is closed once the session is CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session closed; nil if it is open or was closed by Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.closeErr, errClosedLocally) {
		return nil
	}
	return s.closeErr
}

// Wait suspends until the session is closed and returns Err.
func (s *Session) Wait(ctx context.Context) error {
	if err := routines.Await(ctx, s.done); err != nil {
		return err
	}
	return s.Err()
}

// OnClose registers h to be called with the close reason once the session is closed. If it is
// already closed, h is called immediately.
func (s *Session) OnClose(h func(*Session, error)) {
	s.mu.Lock()
	select {
	case <-s.done:
		cause := s.closeErr
		s.mu.Unlock()
		h(s, cause)
		return
	default:
	}
	s.onClose = append(s.onClose, h)
	s.mu.Unlock()
}

// Start seals the slots and spawns the read loop and the heartbeat loop. It must be called after a
// successful handshake.
func (s *Session) Start() error {
	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateOpen)) {
		return s.closedError()
	}
	s.slots.Seal()
	s.touch()
	s.cfg.Metrics.SessionOpened()
	log.CRPC_log(log.LOGLEVEL_INFO, "Session", s.id, "open with", s.channel.RemoteAddr(), "as", s.Identity())

	s.cfg.Scheduler.SpawnContext(s.ctx, s.readLoop)
	s.cfg.Scheduler.SpawnContext(s.ctx, s.heartbeatLoop)
	return nil
}

// Close closes the session; pending requests fail with ErrConnectionClosed. Idempotent.
func (s *Session) Close() error {
	s.CloseWithError(nil)
	return s.channelErr
}

// CloseWithError closes the session with cause as reason. Only the first call has an effect.
func (s *Session) CloseWithError(cause error) {
	if cause == nil {
		cause = errClosedLocally
	}
	var hooks []func(*Session, error)
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosing)))
		failure := closedErr(cause)

		s.mu.Lock()
		s.closeErr = cause
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, eval := range pending {
			eval.SetException(failure)
		}
		s.cancel(failure)
		s.channelErr = s.channel.Close()
		if prev == StateOpen {
			s.cfg.Metrics.SessionClosed()
		}

		if errors.Is(cause, errClosedLocally) {
			log.CRPC_log(log.LOGLEVEL_INFO, "Session", s.id, "closed")
		} else {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Session", s.id, "with", s.channel.RemoteAddr(), "closed:", cause)
		}

		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		close(s.done)
		hooks = s.onClose
		s.onClose = nil
		s.mu.Unlock()
	})
	// outside of the Once: hooks may call Close
	for _, h := range hooks {
		h(s, cause)
	}
}

func closedErr(cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: session is not open", ErrConnectionClosed)
	}
	if errors.Is(cause, ErrConnectionClosed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (s *Session) closedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return closedErr(s.closeErr)
}

func (s *Session) touch() {
	s.lastSeen.Store(s.cfg.Clock.Now().UnixNano())
}

func (s *Session) silence() time.Duration {
	return s.cfg.Clock.Since(time.Unix(0, s.lastSeen.Load()))
}

// write sends one frame. Frames are written in the order in which callers get the write lock.
func (s *Session) write(ctx context.Context, m *protocol.Message) error {
	frame, err := s.proto.Encode(m)
	if err != nil {
		return err
	}
	if err := s.writeMu.Lock(ctx); err != nil {
		return err
	}
	defer s.writeMu.Unlock()

	// a frame is never abandoned halfway
	if err := s.channel.Write(context.WithoutCancel(ctx), frame); err != nil {
		return err
	}
	s.cfg.Metrics.FrameSent(m.Kind, len(frame))
	return nil
}

/*
SendRequest calls service on the peer and suspends until the response arrives.

The outcome is the response payload, a *RequestError reported by the peer, ErrRequestTimeout if
ctx expires or Config.RequestTimeout passes first, or ErrConnectionClosed (wrapping the reason) if
the session closes. If ctx is cancelled, its cause is returned. The response to a request that
timed out or was cancelled is discarded when it arrives.
*/
func (s *Session) SendRequest(ctx context.Context, service uint32, payload []byte) ([]byte, error) {
	start := s.cfg.Clock.Now()
	rsp, err := s.request(ctx, service, payload)
	s.cfg.Metrics.RequestDone(outcome(err), s.cfg.Clock.Since(start))
	return rsp, err
}

func outcome(err error) string {
	var rqe *RequestError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &rqe):
		return metrics.OutcomeRemoteError
	case errors.Is(err, ErrRequestTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrConnectionClosed):
		return metrics.OutcomeClosed
	default:
		return metrics.OutcomeCancelled
	}
}

func (s *Session) request(ctx context.Context, service uint32, payload []byte) ([]byte, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = s.cfg.Clock.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	async, eval := routines.NewAsync[*protocol.Message]()

	s.mu.Lock()
	if s.closeErr != nil || s.State() != StateOpen {
		s.mu.Unlock()
		return nil, s.closedError()
	}
	s.nextSequence++
	seq := s.nextSequence
	s.pending[seq] = eval
	s.mu.Unlock()

	err := s.write(ctx, &protocol.Message{Kind: protocol.KindRequest, Sequence: seq, Service: service, Payload: payload})
	if err != nil {
		if !s.forget(seq, false) {
			// closed meanwhile; the pending entry has been failed
			_, err = async.Get(context.Background())
			return nil, err
		}
		switch {
		case errors.Is(err, codec.ErrEncoding):
			return nil, err
		case ctx.Err() != nil:
			return nil, contextFailure(ctx)
		default:
			s.CloseWithError(err)
			return nil, s.closedError()
		}
	}

	m, err := async.Get(ctx)
	if err != nil {
		if v, aerr, ok := async.TryGet(); ok {
			m, err = v, aerr
		} else if s.forget(seq, true) {
			return nil, contextFailure(ctx)
		} else {
			// removed by the read loop or by closing, resolution follows
			m, err = async.Get(context.Background())
		}
	}
	if err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, fromRemote(m.Error)
	}
	return m.Payload, nil
}

func contextFailure(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// forget removes the pending entry of seq; with discard, a late response for it is dropped.
// It returns false if the entry was already gone.
func (s *Session) forget(seq uint64, discard bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[seq]; !ok {
		return false
	}
	delete(s.pending, seq)
	if discard {
		s.discarded.Add(seq, struct{}{})
	}
	return true
}

// SendRecord sends a one-way message to the record slot id of the peer.
func (s *Session) SendRecord(ctx context.Context, id uint32, payload []byte) error {
	if s.State() != StateOpen {
		return s.closedError()
	}
	err := s.write(ctx, &protocol.Message{Kind: protocol.KindRecord, Service: id, Payload: payload})
	if err != nil && !errors.Is(err, codec.ErrEncoding) && ctx.Err() == nil {
		s.CloseWithError(err)
		return s.closedError()
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrMalformedMessage) {
				log.CRPC_log(log.LOGLEVEL_ERRORS, "Malformed frame on session", s.id, err)
				err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			s.CloseWithError(err)
			return nil
		}
		s.touch()
		s.cfg.Metrics.FrameReceived(m.Kind, s.reader.LastSize())

		switch m.Kind {
		case protocol.KindResponse:
			err = s.handleResponse(m)
		case protocol.KindRequest:
			s.dispatch(m)
		case protocol.KindRecord:
			s.dispatchRecord(m)
		case protocol.KindHeartbeat:
		default:
			err = fmt.Errorf("%w: unexpected %s frame", ErrProtocolViolation, m.Kind)
		}
		if err != nil {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Session", s.id, err)
			s.CloseWithError(err)
			return nil
		}
	}
}

func (s *Session) handleResponse(m *protocol.Message) error {
	s.mu.Lock()
	eval, ok := s.pending[m.Sequence]
	if ok {
		delete(s.pending, m.Sequence)
	}
	discarded := !ok && s.discarded.Remove(m.Sequence)
	s.mu.Unlock()

	switch {
	case ok:
		eval.SetResult(m)
	case discarded:
		log.CRPC_log(log.LOGLEVEL_DEBUG, "Discarding late response", m.Sequence, "on session", s.id)
	default:
		return fmt.Errorf("%w: response for unknown sequence number %d", ErrProtocolViolation, m.Sequence)
	}
	return nil
}

// dispatch serves a request in its own routine; responses may leave in any order.
func (s *Session) dispatch(m *protocol.Message) {
	s.cfg.Scheduler.SpawnContext(s.ctx, func(ctx context.Context) error {
		rsp := s.serve(ctx, m)
		if rsp == nil {
			// deferred; the handler's RequestToken answers
			return nil
		}
		s.cfg.Metrics.RequestHandled(rsp.Error)
		if err := s.write(ctx, rsp); err != nil {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Could not send response", m.Sequence, "on session", s.id, err)
		}
		return nil
	})
}

func (s *Session) serve(ctx context.Context, m *protocol.Message) *protocol.Message {
	cx := newContext(ctx, s, m)

	for _, hook := range s.slots.preHooks() {
		if err := hook(cx); err != nil {
			cx.FailWithError(err)
			return cx.toResponse()
		}
	}

	h, ok := s.slots.Find(m.Service)
	if !ok {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Unknown service", m.Service, "requested on session", s.id)
		cx.FailWithCode(protocol.CodeUnknownService, fmt.Sprintf("no service %d", m.Service))
		return cx.toResponse()
	}
	err := invoke(h, cx)
	if cx.deferred != nil && (err == nil || !cx.deferred.claim()) {
		return nil
	}
	if err != nil {
		cx.FailWithCode(protocol.CodeInternalError, err.Error())
	}
	return cx.toResponse()
}

func (s *Session) dispatchRecord(m *protocol.Message) {
	h, ok := s.slots.FindRecord(m.Service)
	if !ok {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Dropping record for unknown slot", m.Service, "on session", s.id)
		return
	}
	s.cfg.Scheduler.SpawnContext(s.ctx, func(ctx context.Context) error {
		cx := newContext(ctx, s, m)
		err := invoke(h, cx)
		if err == nil {
			err = cx.err()
		}
		if err != nil {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Record handler", m.Service, "failed on session", s.id, err)
		}
		return nil
	})
}

func invoke(h Handler, cx *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.CRPC_log(log.LOGLEVEL_ERRORS, "Handler for", cx.service, "panicked:", p, "\n", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	h(cx)
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := s.cfg.Clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if _, _, err := routines.Receive(ctx, ticker.C); err != nil {
			return nil
		}
		if silent := s.silence(); silent > s.cfg.HeartbeatTimeout {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "No frame from", s.channel.RemoteAddr(), "for", silent, "on session", s.id)
			s.cfg.Metrics.HeartbeatTimeout()
			s.CloseWithError(ErrHeartbeatTimeout)
			return nil
		}
		if err := s.write(ctx, &protocol.Message{Kind: protocol.KindHeartbeat}); err != nil {
			if ctx.Err() == nil {
				s.CloseWithError(err)
			}
			return nil
		}
	}
}
