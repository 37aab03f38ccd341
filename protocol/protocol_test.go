package protocol

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dermesser/sessionrpc/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages() []*Message {
	return []*Message{
		{Kind: KindRequest, Sequence: 1, Service: 1, Payload: []byte(`{"x":5}`)},
		{Kind: KindResponse, Sequence: 1, Payload: []byte(`{"result":10}`)},
		{Kind: KindResponse, Sequence: 1 << 40, Error: &RemoteError{Code: CodeUnknownService, Message: "service 99"}},
		{Kind: KindRecord, Service: 7, Payload: bytes.Repeat([]byte{0xab}, 3000)},
		{Kind: KindHeartbeat},
		{Kind: KindHandshake, Payload: []byte("credentials")},
		{Kind: KindHandshakeResult, Error: &RemoteError{Code: CodeUnauthorized}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []codec.Codec{nil, codec.SizeDeclarative{Inner: codec.Zlib{}}, codec.SizeDeclarative{Inner: codec.NewZstd()}} {
		p := New(c, 0)
		for _, m := range sampleMessages() {
			frame, err := p.Encode(m)
			require.NoError(t, err)

			got, n, err := p.Decode(frame)
			require.NoError(t, err, m.String())
			assert.Equal(t, len(frame), n)
			assert.True(t, m.Equal(got), "%v != %v", m, got)
		}
	}
}

func TestDecodeConsumesExactlyOneFrame(t *testing.T) {
	p := New(nil, 0)
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		frame, err := p.Encode(m)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	for _, want := range msgs {
		got, n, err := p.Decode(stream)
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
		stream = stream[n:]
	}
	assert.Empty(t, stream)
}

func TestTruncatedFrame(t *testing.T) {
	p := New(nil, 0)
	frame, err := p.Encode(&Message{Kind: KindRequest, Sequence: 3, Service: 2, Payload: bytes.Repeat([]byte("z"), 500)})
	require.NoError(t, err)

	for _, cut := range []int{0, 1, 2, len(frame) / 2, len(frame) - 1} {
		m, n, err := p.Decode(frame[:cut])
		assert.Nil(t, m)
		assert.Zero(t, n, "position advanced at cut %d", cut)
		assert.ErrorIs(t, err, ErrTruncated)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	}
}

func TestMalformedFrames(t *testing.T) {
	p := New(nil, 64)

	// unknown kind
	_, _, err := p.Decode([]byte{0x02, 0x09, 0x00})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.False(t, errors.Is(err, ErrTruncated))

	// length prefix over the limit
	_, _, err = p.Decode([]byte{0x80, 0x01, byte(KindRequest)})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.False(t, errors.Is(err, ErrTruncated))

	// empty frame
	_, _, err = p.Decode([]byte{0x00})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	// body that the codec rejects
	_, _, err = p.Decode([]byte{0x03, byte(KindRequest), 0x05, 'a'})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.ErrorIs(t, err, codec.ErrEncoding)

	// overlong varint
	_, _, err = p.Decode(bytes.Repeat([]byte{0xff}, 10))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	assert.False(t, errors.Is(err, ErrTruncated))
}

func TestEncodeRejectsOversizedFrames(t *testing.T) {
	p := New(nil, 64)
	_, err := p.Encode(&Message{Kind: KindRecord, Payload: bytes.Repeat([]byte("a"), 100)})
	assert.ErrorIs(t, err, codec.ErrEncoding)

	_, err = p.Encode(&Message{Kind: Kind(42)})
	assert.ErrorIs(t, err, codec.ErrEncoding)
}

type chunks struct {
	parts [][]byte
}

func (c *chunks) Read(ctx context.Context) ([]byte, error) {
	if len(c.parts) == 0 {
		return nil, errors.New("end of stream")
	}
	p := c.parts[0]
	c.parts = c.parts[1:]
	return p, nil
}

func TestFrameReaderIncrementalDecode(t *testing.T) {
	p := New(nil, 0)
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		frame, err := p.Encode(m)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	// deliver the stream in 7-byte pieces, cutting through prefixes and bodies
	src := &chunks{}
	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		src.parts = append(src.parts, stream[:n])
		stream = stream[n:]
	}

	r := NewFrameReader(p, src)
	for _, want := range msgs {
		got, err := r.ReadMessage(context.Background())
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "%v != %v", want, got)
	}
	assert.Zero(t, r.Buffered())
	_, err := r.ReadMessage(context.Background())
	assert.EqualError(t, err, "end of stream")
}

func TestFrameReaderStopsOnMalformedInput(t *testing.T) {
	r := NewFrameReader(New(nil, 0), &chunks{parts: [][]byte{{0x01, 0x77}}})
	_, err := r.ReadMessage(context.Background())
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
