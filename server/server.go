package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/routines"
	smgr "github.com/dermesser/sessionrpc/securitymanager"
	"github.com/dermesser/sessionrpc/services"
	"github.com/dermesser/sessionrpc/transport"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrStopped        = errors.New("server stopped")
	// ErrReservedService is returned when registering a service id reserved for built-in slots.
	ErrReservedService = errors.New("reserved service id")
)

/*
Accepts connections and serves requests on them. Every accepted connection is authenticated and
becomes a session; all sessions share the server's slots.
*/
type Server struct {
	listener      transport.Listener
	authenticator auth.ServerAuthenticator
	security      *smgr.ServerSecurityManager
	cfg           services.Config
	slots         *services.Slots

	on_accept []func(*services.Session)
	on_closed []func(*services.Session, error)

	// Respond "no" to healthchecks
	lameduck_state atomic.Bool
	// Do not accept requests anymore
	loadshed_state atomic.Bool

	mu       sync.Mutex
	sessions map[string]*services.Session
	started  bool
	stopped  bool
	ctx    context.Context
	cancel context.CancelFunc
	// closed when the accept loop has returned
	accepting chan struct{}
}

type Option func(*Server)

// WithConfig replaces the session settings (services.DefaultConfig()).
func WithConfig(cfg services.Config) Option {
	return func(srv *Server) { srv.cfg = cfg }
}

// WithAuthenticator validates the credentials of connecting clients; default is auth.AllowAll.
func WithAuthenticator(a auth.ServerAuthenticator) Option {
	return func(srv *Server) { srv.authenticator = a }
}

// WithSecurityManager applies the IP allow and deny lists of mgr to every accepted connection.
func WithSecurityManager(mgr *smgr.ServerSecurityManager) Option {
	return func(srv *Server) { srv.security = mgr }
}

// WithAcceptHandler calls h with every new session before it starts serving.
func WithAcceptHandler(h func(*services.Session)) Option {
	return func(srv *Server) { srv.on_accept = append(srv.on_accept, h) }
}

// WithClosedHandler calls h with every session that closed, and the reason.
func WithClosedHandler(h func(*services.Session, error)) Option {
	return func(srv *Server) { srv.on_closed = append(srv.on_closed, h) }
}

/*
Create a server accepting connections from listener. Register handlers before calling Start().

The built-in services ServiceHealth and ServicePing are always registered.
*/
func NewServer(listener transport.Listener, opts ...Option) *Server {
	srv := &Server{
		listener:      listener,
		authenticator: auth.AllowAll{},
		cfg:           services.DefaultConfig(),
		slots:         services.NewSlots(),
		sessions:      make(map[string]*services.Session),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.cfg = srv.cfg.WithDefaults()
	srv.registerBuiltins()
	return srv
}

/*
Add a handler for service. err is not nil if the service is already registered, if the id is
reserved, or if the server was started.
*/
func (srv *Server) RegisterHandler(service uint32, handler services.Handler) error {
	if service >= reservedServices {
		return fmt.Errorf("%w: %#x", ErrReservedService, service)
	}
	if err := srv.slots.AddSlot(service, handler); err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Trying to register existing service:", service)
		return err
	}
	log.CRPC_log(log.LOGLEVEL_INFO, "Registered service:", service)
	return nil
}

// Add a handler for records sent to id.
func (srv *Server) RegisterRecordHandler(id uint32, handler services.Handler) error {
	if err := srv.slots.AddRecordSlot(id, handler); err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Trying to register existing record slot:", id)
		return err
	}
	log.CRPC_log(log.LOGLEVEL_INFO, "Registered record slot:", id)
	return nil
}

// AddPreHook runs hook before every request handler; see services.Slots.AddPreHook.
func (srv *Server) AddPreHook(hook services.PreHook) error {
	return srv.slots.AddPreHook(hook)
}

// Slots returns the server's slots, e.g. to Acquire a prepared set.
func (srv *Server) Slots() *services.Slots {
	return srv.slots
}

func (srv *Server) Addr() string {
	return srv.listener.Addr()
}

/*
A server that is in lameduck mode will respond negatively to health checks
but continue serving requests.
*/
func (srv *Server) SetLameduck(lameduck bool) {
	srv.lameduck_state.Store(lameduck)
}

/*
A server in loadshed mode will refuse any requests immediately, with code LOADSHED.
*/
func (srv *Server) SetLoadshed(loadshed bool) {
	srv.loadshed_state.Store(loadshed)
}

/*
Start seals the slots and starts accepting connections. The accept loop is a plain goroutine that
only waits on the listener; each connection is served by its own routines.
*/
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.stopped {
		return ErrStopped
	}
	if srv.started {
		return ErrAlreadyStarted
	}
	srv.started = true
	srv.slots.Seal()

	srv.ctx, srv.cancel = context.WithCancel(context.Background())
	srv.accepting = make(chan struct{})
	go srv.acceptLoop(srv.ctx)
	log.CRPC_log(log.LOGLEVEL_INFO, "Serving on", srv.listener.Addr(), "services", srv.slots.Services())
	return nil
}

func (srv *Server) acceptLoop(ctx context.Context) {
	defer close(srv.accepting)
	for {
		ch, err := srv.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				log.CRPC_log(log.LOGLEVEL_ERRORS, "Accept on", srv.listener.Addr(), "failed:", err)
			}
			return
		}
		// A routine spawned on a done ctx never runs, so detach it from ctx and cancel the
		// handshake by hand: ch must always reach serveConnection, which closes it.
		srv.cfg.Scheduler.SpawnContext(context.WithoutCancel(ctx), func(rctx context.Context) error {
			rctx, cancel := context.WithCancel(rctx)
			defer cancel()
			defer context.AfterFunc(ctx, cancel)()
			srv.serveConnection(rctx, ch)
			return nil
		})
	}
}

// serveConnection authenticates ch and turns it into a running session. Any failure closes ch
// before a request is read from it.
func (srv *Server) serveConnection(ctx context.Context, ch transport.Channel) {
	remote := ch.RemoteAddr()
	if !srv.security.AllowsAddress(remote) {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Refusing connection from", remote)
		ch.Close()
		return
	}

	session, err := services.NewSession(ch, srv.slots, srv.cfg)
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Could not create session for", remote, err)
		ch.Close()
		return
	}
	id, err := session.HandshakeServer(ctx, srv.authenticator)
	srv.cfg.Metrics.Handshake(err == nil)
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Handshake with", remote, "failed:", err)
		session.Close()
		return
	}

	srv.mu.Lock()
	if srv.stopped {
		srv.mu.Unlock()
		session.Close()
		return
	}
	srv.sessions[session.Id()] = session
	srv.mu.Unlock()

	session.OnClose(srv.sessionClosed)
	for _, h := range srv.on_accept {
		h(session)
	}
	if err := session.Start(); err != nil {
		// closed meanwhile; sessionClosed has run
		return
	}
	log.CRPC_log(log.LOGLEVEL_INFO, "Accepted", remote, "as", id, "session", session.Id())
}

func (srv *Server) sessionClosed(s *services.Session, reason error) {
	srv.mu.Lock()
	delete(srv.sessions, s.Id())
	srv.mu.Unlock()

	for _, h := range srv.on_closed {
		h(s, reason)
	}
}

// Sessions returns the open sessions, ordered by id.
func (srv *Server) Sessions() []*services.Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	sessions := make([]*services.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Id() < sessions[j].Id() })
	return sessions
}

func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Broadcast sends a record to every open session. Failures of single sessions are combined.
func (srv *Server) Broadcast(ctx context.Context, id uint32, payload []byte) error {
	var err error
	for _, s := range srv.Sessions() {
		if serr := s.SendRecord(ctx, id, payload); serr != nil {
			err = multierr.Append(err, fmt.Errorf("session %s: %w", s.Id(), serr))
		}
	}
	return err
}

/*
Stop closes the listener and every session. Pending requests of clients fail with
ErrConnectionClosed on their side. The server cannot be started again.

Stop may be called from a handler; see Shutdown for routines that should not hold their worker
meanwhile.
*/
func (srv *Server) Stop() error {
	return srv.Shutdown(context.Background())
}

/*
Shutdown is Stop with the caller's context: if ctx belongs to a routine, waiting for the accept
loop to return is a suspension point of that routine. A done ctx skips the wait.
*/
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	if srv.stopped {
		srv.mu.Unlock()
		return nil
	}
	srv.stopped = true
	sessions := make([]*services.Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	cancel, accepting := srv.cancel, srv.accepting
	srv.mu.Unlock()

	log.CRPC_log(log.LOGLEVEL_INFO, "Stopping server on", srv.listener.Addr())
	if cancel != nil {
		cancel()
	}
	err := srv.listener.Close()
	if accepting != nil {
		if werr := routines.Await(ctx, accepting); werr != nil {
			log.CRPC_log(log.LOGLEVEL_WARNINGS, "Not waiting for accept loop on", srv.listener.Addr(), werr)
		}
	}

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(s.Close)
	}
	return multierr.Append(err, g.Wait())
}
