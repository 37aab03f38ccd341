package services

import (
	"context"
	"errors"

	"github.com/dermesser/sessionrpc/auth"
	"github.com/dermesser/sessionrpc/log"
	"github.com/dermesser/sessionrpc/protocol"

	pb "github.com/gogo/protobuf/proto"
)

/*
Opaque structure that contains request information
and takes the response.
*/
type Context struct {
	ctx      context.Context
	session  *Session
	service  uint32
	sequence uint64
	record   bool

	input, result []byte
	failed        bool
	error_code    protocol.Code
	error_message string

	// set by Defer
	deferred *RequestToken

	// Per-request token in log lines
	token string
	// 0 = None, 1 = logged request, 2 = logged response
	log_state int
}

func newContext(ctx context.Context, s *Session, m *protocol.Message) *Context {
	return &Context{
		ctx:      ctx,
		session:  s,
		service:  m.Service,
		sequence: m.Sequence,
		record:   m.Kind == protocol.KindRecord,
		input:    m.Payload,
		token:    log.GetLogToken(),
	}
}

// Context returns the context of the routine running the handler. It is cancelled when the
// session closes. Handlers use it for nested calls.
func (c *Context) Context() context.Context {
	return c.ctx
}

func (c *Context) Session() *Session {
	return c.session
}

// Identity returns the authenticated identity of the peer.
func (c *Context) Identity() auth.Identity {
	return c.session.Identity()
}

func (c *Context) Service() uint32 {
	return c.service
}

// IsRecord is true for records, which are not answered.
func (c *Context) IsRecord() bool {
	return c.record
}

/*
Get the data that was sent by the client.
*/
func (c *Context) GetInput() []byte {
	c.rpclogRaw(c.input, log_REQUEST)
	return c.input
}

/*
GetArgument deserializes the input into a protocol buffer message.
*/
func (c *Context) GetArgument(msg pb.Message) error {
	err := pb.Unmarshal(c.input, msg)

	if err != nil {
		c.rpclogErr(err)
	} else {
		c.rpclogPB(msg, log_REQUEST)
	}

	return err
}

/*
Fail with msg as error message (gets sent back to the client)
*/
func (c *Context) Fail(msg string) {
	c.FailWithCode(protocol.CodeHandlerError, msg)
}

func (c *Context) FailWithCode(code protocol.Code, msg string) {
	c.failed = true
	c.error_code = code
	c.error_message = msg
	c.rpclogErr(errors.New(msg))
}

// FailWithError fails with err; a *RequestError keeps its code.
func (c *Context) FailWithError(err error) {
	r := toRemote(err)
	c.FailWithCode(r.Code, r.Message)
}

func (c *Context) Failed() bool {
	return c.failed
}

/*
Set Success flag and the data to return to the caller.
*/
func (c *Context) Success(data []byte) {
	c.failed = false
	c.result = data
	c.rpclogRaw(data, log_RESPONSE)
}

/*
Set Success flag and the message to return to the caller. Does not do anything special, such as
terminate the calling function etc.
*/
func (c *Context) Return(msg pb.Message) error {
	result, err := pb.Marshal(msg)

	if err != nil {
		return err
	}

	c.failed = false
	c.result = result

	c.rpclogPB(msg, log_RESPONSE)

	return nil
}

func (c *Context) toResponse() *protocol.Message {
	rsp := &protocol.Message{Kind: protocol.KindResponse, Sequence: c.sequence, Service: c.service}

	if c.failed {
		rsp.Error = &protocol.RemoteError{Code: c.error_code, Message: c.error_message}
	} else {
		rsp.Payload = c.result
	}
	return rsp
}

// Handler failures as an error, for records.
func (c *Context) err() error {
	if !c.failed {
		return nil
	}
	return &RequestError{Code: c.error_code, Message: c.error_message}
}
