// Package protocol frames logical messages for a byte stream.
//
// A frame is
//
//	uvarint(n) | kind (1 byte) | codec(protobuf(Envelope))
//
// where n counts the kind byte and the encoded body. Decoding consumes exactly one frame.
package protocol

import (
	"bytes"
	"fmt"
)

type Kind uint8

const (
	KindRequest Kind = 1 + iota
	KindResponse
	KindRecord
	KindHeartbeat
	KindHandshake
	KindHandshakeResult
)

func (k Kind) Valid() bool {
	return k >= KindRequest && k <= KindHandshakeResult
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindRecord:
		return "record"
	case KindHeartbeat:
		return "heartbeat"
	case KindHandshake:
		return "handshake"
	case KindHandshakeResult:
		return "handshake_result"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Code classifies a failure reported by the remote side.
type Code int32

const (
	CodeHandlerError Code = 1 + iota
	CodeUnknownService
	CodeLoadshed
	CodeUnauthorized
	CodeInternalError
)

func (c Code) String() string {
	switch c {
	case CodeHandlerError:
		return "HANDLER_ERROR"
	case CodeUnknownService:
		return "UNKNOWN_SERVICE"
	case CodeLoadshed:
		return "LOADSHED"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("CODE_%d", int32(c))
	}
}

// RemoteError is the failure carried by a response or a handshake result.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}

/*
Message is the logical unit exchanged by sessions.

Requests carry a sequence number, a service id and the serialized parameters. Responses carry the
sequence number of their request and either a payload or an Error. Records carry a service id and
a payload. Heartbeats carry nothing.
*/
type Message struct {
	Kind     Kind
	Sequence uint64
	Service  uint32
	Payload  []byte
	Error    *RemoteError
}

func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Kind != o.Kind || m.Sequence != o.Sequence || m.Service != o.Service || !bytes.Equal(m.Payload, o.Payload) {
		return false
	}
	if m.Error == nil || o.Error == nil {
		return m.Error == o.Error
	}
	return *m.Error == *o.Error
}

func (m *Message) String() string {
	s := fmt.Sprintf("%s seq=%d svc=%d %d B", m.Kind, m.Sequence, m.Service, len(m.Payload))
	if m.Error != nil {
		s += " error=" + m.Error.Error()
	}
	return s
}
