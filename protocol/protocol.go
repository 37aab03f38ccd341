package protocol

import (
	"errors"
	"fmt"

	"github.com/dermesser/sessionrpc/codec"
	rpcproto "github.com/dermesser/sessionrpc/proto"

	pb "github.com/gogo/protobuf/proto"
	"github.com/multiformats/go-varint"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTruncated means that the buffer does not yet hold a complete frame.
	ErrTruncated = fmt.Errorf("%w: truncated frame", ErrMalformedMessage)
)

const DefaultMaxFrameSize = 16 << 20

// Protocol encodes and decodes frames. It is stateless and safe for concurrent use.
type Protocol struct {
	codec        codec.Codec
	maxFrameSize int
}

// New returns a Protocol using c for frame bodies. A nil codec selects codec.Default(); a
// non-positive maxFrameSize selects DefaultMaxFrameSize.
func New(c codec.Codec, maxFrameSize int) *Protocol {
	if c == nil {
		c = codec.Default()
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Protocol{codec: c, maxFrameSize: maxFrameSize}
}

func (p *Protocol) Codec() codec.Codec {
	return p.codec
}

func (p *Protocol) MaxFrameSize() int {
	return p.maxFrameSize
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func (p *Protocol) Encode(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: cannot encode %s", codec.ErrEncoding, m.Kind)
	}
	env := &rpcproto.Envelope{Sequence: m.Sequence, Service: m.Service, Payload: m.Payload}
	if m.Error != nil {
		env.Failed = true
		env.ErrorCode = int32(m.Error.Code)
		env.ErrorMessage = m.Error.Message
	}
	raw, err := pb.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrEncoding, err)
	}
	body, err := p.codec.Encode(raw)
	if err != nil {
		return nil, err
	}

	n := 1 + len(body)
	if n > p.maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", codec.ErrEncoding, n, p.maxFrameSize)
	}
	prefix := varint.UvarintSize(uint64(n))
	frame := make([]byte, prefix+n)
	varint.PutUvarint(frame, uint64(n))
	frame[prefix] = byte(m.Kind)
	copy(frame[prefix+1:], body)
	return frame, nil
}

/*
Decode reads the first frame of buf. It returns the message and the number of bytes consumed.

If buf does not hold a complete frame yet, the error is ErrTruncated and nothing is consumed; the
caller should retry with more data. Any other error wraps ErrMalformedMessage: the stream cannot be
resynchronized.
*/
func (p *Protocol) Decode(buf []byte) (*Message, int, error) {
	n, prefix, err := varint.FromUvarint(buf)
	if errors.Is(err, varint.ErrUnderflow) {
		return nil, 0, ErrTruncated
	} else if err != nil {
		return nil, 0, malformed("length prefix: %v", err)
	}
	if n == 0 {
		return nil, 0, malformed("empty frame")
	}
	if n > uint64(p.maxFrameSize) {
		return nil, 0, malformed("frame of %d bytes exceeds limit of %d", n, p.maxFrameSize)
	}
	if uint64(len(buf)-prefix) < n {
		return nil, 0, ErrTruncated
	}
	frame := buf[prefix : prefix+int(n)]

	kind := Kind(frame[0])
	if !kind.Valid() {
		return nil, 0, malformed("unknown message kind %d", frame[0])
	}
	raw, err := p.codec.Decode(frame[1:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	env := new(rpcproto.Envelope)
	if err := pb.Unmarshal(raw, env); err != nil {
		return nil, 0, malformed("body: %v", err)
	}

	m := &Message{Kind: kind, Sequence: env.GetSequence(), Service: env.GetService()}
	if len(env.Payload) > 0 {
		m.Payload = env.Payload
	}
	if env.GetFailed() {
		m.Error = &RemoteError{Code: Code(env.GetErrorCode()), Message: env.GetErrorMessage()}
	}
	return m, prefix + int(n), nil
}
