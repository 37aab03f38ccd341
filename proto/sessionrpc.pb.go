// Message types of sessionrpc.proto.
// The struct tags carry the wire layout; gogo/protobuf marshals them by reflection.

package proto

import (
	pb "github.com/gogo/protobuf/proto"
)

type Envelope struct {
	Sequence     uint64 `protobuf:"varint,1,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Service      uint32 `protobuf:"varint,2,opt,name=service,proto3" json:"service,omitempty"`
	Payload      []byte `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
	Failed       bool   `protobuf:"varint,4,opt,name=failed,proto3" json:"failed,omitempty"`
	ErrorCode    int32  `protobuf:"varint,5,opt,name=error_code,json=errorCode,proto3" json:"error_code,omitempty"`
	ErrorMessage string `protobuf:"bytes,6,opt,name=error_message,json=errorMessage,proto3" json:"error_message,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return pb.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

func (m *Envelope) GetSequence() uint64 {
	if m != nil {
		return m.Sequence
	}
	return 0
}

func (m *Envelope) GetService() uint32 {
	if m != nil {
		return m.Service
	}
	return 0
}

func (m *Envelope) GetPayload() []byte {
	if m != nil {
		return m.Payload
	}
	return nil
}

func (m *Envelope) GetFailed() bool {
	if m != nil {
		return m.Failed
	}
	return false
}

func (m *Envelope) GetErrorCode() int32 {
	if m != nil {
		return m.ErrorCode
	}
	return 0
}

func (m *Envelope) GetErrorMessage() string {
	if m != nil {
		return m.ErrorMessage
	}
	return ""
}

type Credentials struct {
	Account   string `protobuf:"bytes,1,opt,name=account,proto3" json:"account,omitempty"`
	Password  string `protobuf:"bytes,2,opt,name=password,proto3" json:"password,omitempty"`
	SessionId string `protobuf:"bytes,3,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Proof     []byte `protobuf:"bytes,4,opt,name=proof,proto3" json:"proof,omitempty"`
}

func (m *Credentials) Reset()         { *m = Credentials{} }
func (m *Credentials) String() string { return pb.CompactTextString(m) }
func (*Credentials) ProtoMessage()    {}

func (m *Credentials) GetAccount() string {
	if m != nil {
		return m.Account
	}
	return ""
}

func (m *Credentials) GetPassword() string {
	if m != nil {
		return m.Password
	}
	return ""
}

func (m *Credentials) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

func (m *Credentials) GetProof() []byte {
	if m != nil {
		return m.Proof
	}
	return nil
}

type HandshakeResult struct {
	Account   string `protobuf:"bytes,1,opt,name=account,proto3" json:"account,omitempty"`
	SessionId string `protobuf:"bytes,2,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
}

func (m *HandshakeResult) Reset()         { *m = HandshakeResult{} }
func (m *HandshakeResult) String() string { return pb.CompactTextString(m) }
func (*HandshakeResult) ProtoMessage()    {}

func (m *HandshakeResult) GetAccount() string {
	if m != nil {
		return m.Account
	}
	return ""
}

func (m *HandshakeResult) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

func init() {
	pb.RegisterType((*Envelope)(nil), "sessionrpc.Envelope")
	pb.RegisterType((*Credentials)(nil), "sessionrpc.Credentials")
	pb.RegisterType((*HandshakeResult)(nil), "sessionrpc.HandshakeResult")
}
