package client

import (
	"errors"
	"fmt"

	"github.com/dermesser/sessionrpc/services"
)

// A ClientFilter is a function that is called with a request and fulfills a certain task.
// Filters are stacked in Client.filters; filters[0] is called first, and calls in turn filters[1]
// until the last filter sends the message off to the network.
type ClientFilter (func(rq *Request, next_filter int) Response)

var default_filters = []ClientFilter{LogFilter, RetryFilter, TimeoutFilter, SendFilter}

// Writes the request and its outcome to the client's request logger.
func LogFilter(rq *Request, next int) Response {
	rq.client.rpclogRaw(rq, rq.payload, log_REQUEST)
	response := rq.callNextFilter(next)
	if response.err != nil {
		rq.client.rpclogErr(rq, response.err)
	} else {
		rq.client.rpclogRaw(rq, response.payload, log_RESPONSE)
	}
	return response
}

// Bounds each attempt by the request's timeout.
func TimeoutFilter(rq *Request, next int) Response {
	if rq.params.timeout <= 0 {
		return rq.callNextFilter(next)
	}
	parent := rq.ctx
	ctx, cancel := rq.client.cfg.Clock.WithTimeout(parent, rq.params.timeout)
	defer cancel()

	rq.ctx = ctx
	defer func() { rq.ctx = parent }()
	return rq.callNextFilter(next)
}

// A filter that retries a request according to the request's parameters. Only timeouts are
// retried: other failures are answers of the server, or mean that the connection is gone.
func RetryFilter(rq *Request, next int) Response {
	attempts := int(rq.params.retries + 1)

	last_response := Response{}
	for i := 0; i < attempts; i++ {
		response := rq.callNextFilter(next)

		if response.err == nil || !errors.Is(response.err, services.ErrRequestTimeout) || rq.ctx.Err() != nil {
			return response
		}
		last_response = response
	}
	if rq.params.retries == 0 {
		return last_response
	}
	return Response{err: fmt.Errorf("retried %d times without success: %w", rq.params.retries, last_response.err)}
}

// Send a request and wait for it to complete. Must be the last filter in the stack
func SendFilter(rq *Request, next int) Response {
	// Enforce that this is the last filter.
	if len(rq.client.filters) != next {
		panic("Bad filter setup")
	}

	rq.attempt_count++
	payload, err := rq.client.SendRequest(rq.ctx, rq.service, rq.payload)
	if err != nil {
		return Response{err: err}
	}
	return Response{payload: payload}
}
