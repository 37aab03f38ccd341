/*
Sessionrpc is a session-oriented RPC library. A client and a server run an authentication handshake
over a transport channel and then exchange requests, responses and one-way records on it, in both
directions. Payloads are opaque bytes; protocol buffers are supported for structured data.

Handlers and callers run as routines (package routines): lightweight tasks on a bounded worker pool
that give up their worker while they wait for a response, a queue element or a lock, so a pool of
a few workers serves many thousands of pending calls.

Services are numbered slots (package services). One Server serves the same slots on every session:

	srv := server.NewServer(listener)
	srv.RegisterHandler(1, func(cx *services.Context) {
		cx.Success(cx.GetInput())
	})
	srv.Start()

	cl, err := client.Dial(ctx, "me", addr, transport.TCPDialer{})
	rsp, err := cl.SendRequest(ctx, 1, []byte("hello"))

A session is watched by heartbeats; when the peer goes silent, the session closes and every pending
request fails with services.ErrConnectionClosed.
*/
package sessionrpc

// Version of the wire protocol and library.
const Version = "1.0.0"
