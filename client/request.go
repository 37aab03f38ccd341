package client

import (
	"context"
	"time"

	"github.com/dermesser/sessionrpc/log"

	pb "github.com/gogo/protobuf/proto"
)

// Various parameters determining how a request is executed. There are builder methods to set the various parameters.
type RequestParams struct {
	retries uint
	timeout time.Duration
}

func NewParams() *RequestParams {
	return &RequestParams{retries: 0, timeout: 10 * time.Second}
}

// How often a request is retried after timing out. Default: 0
func (p *RequestParams) Retries(r uint) *RequestParams {
	p.retries = r
	return p
}

// Set the timeout of each attempt; 0 leaves only the session's request timeout.
func (p *RequestParams) Timeout(d time.Duration) *RequestParams {
	p.timeout = d
	return p
}

// An RPC request that can be modified before it is sent.
type Request struct {
	client  *Client
	service uint32

	params RequestParams
	ctx    context.Context

	rpcid         string
	attempt_count int

	// request payload
	payload []byte
}

func (r *Request) SetParameters(p *RequestParams) *Request {
	r.params = *p
	return r
}

// SetContext sets the context the request is sent under. Handlers pass cx.Context() so that the
// request is cancelled with their session.
func (r *Request) SetContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

func (r *Request) Service() uint32 {
	return r.service
}

// Attempts returns how often the request was sent so far.
func (r *Request) Attempts() int {
	return r.attempt_count
}

func (r *Request) callNextFilter(index int) Response {
	if len(r.client.filters) < index+1 {
		panic("Bad filter setup: Not enough filters.")
	}
	return r.client.filters[index](r, index+1)
}

// Send a request with a serialized protocol buffer
func (r *Request) GoProto(msg pb.Message) Response {
	payload, err := pb.Marshal(msg)
	if err != nil {
		return Response{err: err}
	}
	return r.Go(payload)
}

// Send a request and wait for the response.
func (r *Request) Go(payload []byte) Response {
	r.rpcid = log.GetLogToken()
	r.payload = payload
	r.attempt_count = 0
	return r.callNextFilter(0)
}
