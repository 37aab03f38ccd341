package server

/*
* This file implements the built-in services: Health, which responds with an empty body and OK
* unless the server is in lameduck or loadshed mode, and Ping.
 */

import (
	"github.com/dermesser/sessionrpc/protocol"
	"github.com/dermesser/sessionrpc/services"
)

const (
	// Service ids from reservedServices on cannot be registered by applications.
	reservedServices uint32 = 0xFFFF0000

	ServiceHealth uint32 = 0xFFFF0001
	ServicePing   uint32 = 0xFFFF0002
)

func (srv *Server) registerBuiltins() {
	srv.slots.AddSlot(ServiceHealth, srv.makeHealthHandler())
	srv.slots.AddSlot(ServicePing, pingHandler)
	srv.slots.AddPreHook(srv.loadshedHook)
}

// Returns a handler function that returns OK and an empty body
// iff the server is not in lameduck/loadshed mode, otherwise a HANDLER_ERROR status.
func (srv *Server) makeHealthHandler() services.Handler {
	return func(ctx *services.Context) {
		if !srv.lameduck_state.Load() && !srv.loadshed_state.Load() {
			ctx.Success([]byte{})
			return
		} else {
			ctx.Fail("Lameduck mode")
			return
		}
	}
}

func pingHandler(ctx *services.Context) {
	ctx.Success([]byte{})
	return
}

// Refuses application requests while the server is in loadshed mode. Built-in services still
// answer, so that health checks report the state.
func (srv *Server) loadshedHook(ctx *services.Context) error {
	if srv.loadshed_state.Load() && ctx.Service() < reservedServices {
		return services.NewRequestError(protocol.CodeLoadshed, "server is shedding load")
	}
	return nil
}
