package client

import (
	"context"
	"errors"
	"sync"

	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/routines"
	"github.com/dermesser/sessionrpc/services"
	"github.com/dermesser/sessionrpc/transport"
)

var ErrHandlerClosed = errors.New("client handler closed")

/*
Handler keeps one client to a fixed address available. Client() connects on first use and again
whenever the previous client has closed, for example after the server went away. Callers that need
to restore state on a new connection (subscriptions, records) register a reconnect handler.
*/
type Handler struct {
	name   string
	addr   string
	dialer transport.Dialer
	opts   []Option

	// held while dialing; its Lock is a suspension point
	build routines.Mutex

	mu           sync.Mutex
	cl           *Client
	closed       bool
	on_reconnect func(*Client)
}

// opts are applied to every client the handler creates.
func NewHandler(name, addr string, dialer transport.Dialer, opts ...Option) *Handler {
	return &Handler{name: name, addr: addr, dialer: dialer, opts: opts}
}

// SetReconnectHandler registers f to be called with every client that replaces a closed one,
// before Client returns it.
func (h *Handler) SetReconnectHandler(f func(*Client)) {
	h.mu.Lock()
	h.on_reconnect = f
	h.mu.Unlock()
}

func (h *Handler) open() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cl != nil && h.cl.State() == services.StateOpen {
		return h.cl
	}
	return nil
}

/*
Client returns the current client, connecting a new one if there is none or it is closed. Callers
racing on a reconnect wait for the same dial. A failed dial is returned to every waiting caller
and tried again on the next call.
*/
func (h *Handler) Client(ctx context.Context) (*Client, error) {
	if cl := h.open(); cl != nil {
		return cl, nil
	}
	if err := h.build.Lock(ctx); err != nil {
		return nil, err
	}
	defer h.build.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandlerClosed
	}
	if h.cl != nil && h.cl.State() == services.StateOpen {
		cl := h.cl
		h.mu.Unlock()
		return cl, nil
	}
	reconnect := h.cl != nil
	h.mu.Unlock()

	cl, err := Dial(ctx, h.name, h.addr, h.dialer, h.opts...)
	if err != nil {
		log.CRPC_log(log.LOGLEVEL_WARNINGS, "Client handler", h.name, "could not connect to", h.addr, err)
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cl.Close()
		return nil, ErrHandlerClosed
	}
	h.cl = cl
	on_reconnect := h.on_reconnect
	h.mu.Unlock()

	if reconnect {
		log.CRPC_log(log.LOGLEVEL_INFO, "Client handler", h.name, "reconnected to", h.addr)
		if on_reconnect != nil {
			on_reconnect(cl)
		}
	}
	return cl, nil
}

// Close closes the current client; Client fails with ErrHandlerClosed afterwards.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cl := h.cl
	h.cl = nil
	h.mu.Unlock()

	if cl != nil {
		return cl.Close()
	}
	return nil
}
