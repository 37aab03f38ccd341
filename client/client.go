package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/services"
	"github.com/dermesser/sessionrpc/transport"

	"go.uber.org/zap"
)

/*
Client is the calling side of one connection. It is CONSTRUCTED by New, and Open moves it through
OPENING (dial and authenticate) to OPEN. From then on it follows the state of its session: it ends
CLOSED after Close, a transport failure, a protocol violation or a heartbeat timeout. A closed
client is not reopened; create a new one.

All methods are safe for concurrent use. Requests are multiplexed over the single connection;
they are meant to be called from routines, where waiting for a response frees the worker.
*/
type Client struct {
	name          string
	addr          string
	dialer        transport.Dialer
	authenticator auth.ClientAuthenticator
	cfg           services.Config
	slots         *services.Slots

	filters       []ClientFilter
	defaultParams RequestParams
	rpclogger     *zap.Logger

	mu      sync.Mutex
	state   services.State
	session *services.Session
	err     error

	// unix nanoseconds
	last_used atomic.Int64
}

type Option func(*Client)

// WithConfig replaces the session settings (services.DefaultConfig()).
func WithConfig(cfg services.Config) Option {
	return func(cl *Client) { cl.cfg = cfg }
}

// WithAuthenticator sets the credentials sent in the handshake; default is auth.Anonymous.
func WithAuthenticator(a auth.ClientAuthenticator) Option {
	return func(cl *Client) { cl.authenticator = a }
}

// WithSlots lets the server call services and send records to this client.
func WithSlots(s *services.Slots) Option {
	return func(cl *Client) { cl.slots = s }
}

// WithFilters replaces the filter stack used by Request(). The last filter must be SendFilter.
func WithFilters(filters ...ClientFilter) Option {
	return func(cl *Client) { cl.filters = filters }
}

// WithParams sets the default parameters of requests created by Request().
func WithParams(p *RequestParams) Option {
	return func(cl *Client) { cl.defaultParams = *p }
}

// WithTimeout sets the timeout of requests created by Request().
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.defaultParams.timeout = d }
}

// WithRequestLogger logs every request and response sent through Request() to l.
func WithRequestLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.rpclogger = l }
}

/*
Create a new client for the server at addr. name is only used for logging. The client is not
connected yet; call Open.
*/
func New(name, addr string, dialer transport.Dialer, opts ...Option) *Client {
	cl := &Client{
		name:          name,
		addr:          addr,
		dialer:        dialer,
		authenticator: auth.Anonymous{},
		cfg:           services.DefaultConfig(),
		filters:       default_filters,
		defaultParams: *NewParams(),
		state:         services.StateConstructed,
	}
	for _, opt := range opts {
		opt(cl)
	}
	cl.cfg = cl.cfg.WithDefaults()
	cl.touch()
	return cl
}

// Dial creates a client and opens it.
func Dial(ctx context.Context, name, addr string, dialer transport.Dialer, opts ...Option) (*Client, error) {
	cl := New(name, addr, dialer, opts...)
	if err := cl.Open(ctx); err != nil {
		return nil, err
	}
	return cl, nil
}

func (cl *Client) Name() string {
	return cl.name
}

func (cl *Client) Addr() string {
	return cl.addr
}

/*
Open connects to the server, runs the authentication handshake and starts the session. Any failure
leaves the client CLOSED; authentication failures wrap auth.ErrAuthentication.
*/
func (cl *Client) Open(ctx context.Context) error {
	cl.mu.Lock()
	if cl.state != services.StateConstructed {
		state := cl.state
		cl.mu.Unlock()
		return fmt.Errorf("client %s: cannot open in state %s", cl.name, state)
	}
	cl.state = services.StateOpening
	cl.mu.Unlock()

	session, err := cl.open(ctx)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_ERRORS, "Client", cl.name, "could not open connection to", cl.addr, err)
		cl.state = services.StateClosed
		cl.err = err
		return err
	}
	if cl.state == services.StateClosed {
		// Close was called while opening
		session.Close()
		return fmt.Errorf("%w: client %s closed while opening", services.ErrConnectionClosed, cl.name)
	}
	cl.session = session
	cl.state = services.StateOpen
	cl.touch()
	return nil
}

func (cl *Client) open(ctx context.Context) (*services.Session, error) {
	ch, err := cl.dialer.Dial(ctx, cl.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cl.addr, err)
	}
	session, err := services.NewSession(ch, cl.slots, cl.cfg)
	if err != nil {
		ch.Close()
		return nil, err
	}
	if _, err := session.HandshakeClient(ctx, cl.authenticator); err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

func (cl *Client) State() services.State {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.session != nil {
		return cl.session.State()
	}
	return cl.state
}

// Err returns why the client closed, or nil.
func (cl *Client) Err() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.session != nil {
		return cl.session.Err()
	}
	return cl.err
}

// Identity returns the identity the server assigned in the handshake.
func (cl *Client) Identity() auth.Identity {
	if s := cl.current(); s != nil {
		return s.Identity()
	}
	return auth.Identity{}
}

// Session returns the underlying session, or nil before Open succeeded.
func (cl *Client) Session() *services.Session {
	return cl.current()
}

func (cl *Client) current() *services.Session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.session
}

func (cl *Client) notOpen() error {
	return fmt.Errorf("%w: client %s is %s", services.ErrConnectionClosed, cl.name, cl.State())
}

func (cl *Client) touch() {
	cl.last_used.Store(cl.cfg.Clock.Now().UnixNano())
}

func (cl *Client) idle() time.Duration {
	return cl.cfg.Clock.Since(time.Unix(0, cl.last_used.Load()))
}

/*
SendRequest calls service on the server and suspends until the response arrives. See
services.Session.SendRequest for the possible outcomes; before Open and after closing it fails
immediately with services.ErrConnectionClosed.
*/
func (cl *Client) SendRequest(ctx context.Context, service uint32, payload []byte) ([]byte, error) {
	s := cl.current()
	if s == nil {
		return nil, cl.notOpen()
	}
	cl.touch()
	return s.SendRequest(ctx, service, payload)
}

// SendRecord sends a one-way message to record slot id on the server.
func (cl *Client) SendRecord(ctx context.Context, id uint32, payload []byte) error {
	s := cl.current()
	if s == nil {
		return cl.notOpen()
	}
	cl.touch()
	return s.SendRecord(ctx, id, payload)
}

// Create a Request for service, with the client's default parameters.
func (cl *Client) Request(service uint32) *Request {
	return &Request{client: cl, service: service, params: cl.defaultParams, ctx: context.Background()}
}

// Wait suspends until the client is closed and returns Err.
func (cl *Client) Wait(ctx context.Context) error {
	if s := cl.current(); s != nil {
		return s.Wait(ctx)
	}
	return cl.Err()
}

/*
Close the connection. Pending requests fail with services.ErrConnectionClosed. Closing a client
that is not open yet keeps it from opening. Idempotent.
*/
func (cl *Client) Close() error {
	cl.mu.Lock()
	s := cl.session
	if s == nil {
		cl.state = services.StateClosed
	}
	cl.mu.Unlock()

	if s == nil {
		return nil
	}
	log.CRPC_log(log.LOGLEVEL_DEBUG, "Closing client", cl.name)
	return s.Close()
}
