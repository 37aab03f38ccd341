package services

import (
	"errors"
	"fmt"

	"github.com/dermesser/sessionrpc/protocol"
)

var (
	// ErrDuplicateSlot is returned when a service id is registered twice, or after the slots
	// were sealed by opening a session.
	ErrDuplicateSlot = errors.New("duplicate slot")
	// ErrUnknownService matches a *RequestError with code UNKNOWN_SERVICE.
	ErrUnknownService = errors.New("unknown service")
	// ErrRequestTimeout is returned by SendRequest if no response arrived in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrHeartbeatTimeout is the close reason of a session whose peer went silent.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrConnectionClosed is returned for requests on a closed session, and to every pending
	// request when the session closes. It wraps the close reason.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocolViolation is the close reason of a session that received an unexpected frame.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAlreadyAnswered is returned by a RequestToken whose request has been answered.
	ErrAlreadyAnswered = errors.New("request already answered")
)

// RequestError is a failure reported by the remote side of a request.
type RequestError struct {
	Code    protocol.Code
	Message string
}

func NewRequestError(code protocol.Code, format string, args ...interface{}) *RequestError {
	return &RequestError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Code.String() + ": " + e.Message
	}
	return e.Status()
}

/*
Status returns one of

	HANDLER_ERROR (the handler failed; Message has its error message)
	UNKNOWN_SERVICE (no slot is registered for the service id)
	LOADSHED (the server does not accept requests right now; retry later or elsewhere)
	UNAUTHORIZED (a pre-hook refused the caller)
	INTERNAL_ERROR (the handler panicked or the response could not be built)
*/
func (e *RequestError) Status() string {
	return e.Code.String()
}

func (e *RequestError) Is(target error) bool {
	return target == ErrUnknownService && e.Code == protocol.CodeUnknownService
}

func fromRemote(r *protocol.RemoteError) *RequestError {
	return &RequestError{Code: r.Code, Message: r.Message}
}

// toRemote converts a handler or hook failure to the error carried by a response.
func toRemote(err error) *protocol.RemoteError {
	var rqe *RequestError
	if errors.As(err, &rqe) {
		return &protocol.RemoteError{Code: rqe.Code, Message: rqe.Message}
	}
	return &protocol.RemoteError{Code: protocol.CodeHandlerError, Message: err.Error()}
}
