package protocol

import (
	"context"
	"errors"
)

// ChunkSource delivers the byte stream in chunks of arbitrary size, for example a transport channel.
type ChunkSource interface {
	Read(ctx context.Context) ([]byte, error)
}

// FrameReader decodes frames from a stream that arrives in partial deliveries. It keeps the bytes
// beyond the last decoded frame for the next call. Not safe for concurrent use.
type FrameReader struct {
	protocol *Protocol
	source   ChunkSource
	buf      []byte
	last     int
}

func NewFrameReader(p *Protocol, src ChunkSource) *FrameReader {
	return &FrameReader{protocol: p, source: src}
}

// ReadMessage returns the next message, reading from the source as long as the buffered bytes do
// not form a complete frame.
func (r *FrameReader) ReadMessage(ctx context.Context) (*Message, error) {
	for {
		if len(r.buf) > 0 {
			m, n, err := r.protocol.Decode(r.buf)
			if err == nil {
				r.last = n
				if n == len(r.buf) {
					r.buf = nil
				} else {
					r.buf = r.buf[n:]
				}
				return m, nil
			}
			if !errors.Is(err, ErrTruncated) {
				return nil, err
			}
		}

		chunk, err := r.source.Read(ctx)
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, chunk...)
	}
}

// LastSize returns the encoded size of the message last returned by ReadMessage.
func (r *FrameReader) LastSize() int {
	return r.last
}

// Buffered returns the number of bytes received but not yet decoded.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
