package client

import (
	"errors"

	"github.com/dermesser/sessionrpc/services"

	pb "github.com/gogo/protobuf/proto"
)

type Response struct {
	err     error
	payload []byte
}

// Check whether the request was successful.
func (rp *Response) Ok() bool {
	return rp.err == nil
}

// Returns the response payload.
func (rp *Response) Payload() []byte {
	return rp.payload
}

// Unmarshals the response into msg.
func (rp *Response) GetResponseMessage(msg pb.Message) error {
	if rp.err != nil {
		return rp.err
	}
	return pb.Unmarshal(rp.payload, msg)
}

// Err returns the failure of the request: a *services.RequestError if the server answered with an
// error, or a local one such as services.ErrRequestTimeout.
func (rp *Response) Err() error {
	return rp.err
}

// Get the error that has occurred.
//
// Errors reported by the server are returned with prefix "RPC:" and their status code, e.g.
// "RPC:UNKNOWN_SERVICE".
func (rp *Response) Error() string {
	var rqe *services.RequestError
	if errors.As(rp.err, &rqe) {
		return "RPC:" + rqe.Status()
	} else if rp.err != nil {
		return rp.err.Error()
	} else {
		return ""
	}
}
