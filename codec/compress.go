package codec

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Zlib compresses with the zlib format.
type Zlib struct {
	// zlib.DefaultCompression if zero
	Level int
}

func (Zlib) Name() string {
	return "zlib"
}

func (z Zlib) Encode(src []byte) ([]byte, error) {
	level := z.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, encodingError("zlib: %v", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, encodingError("zlib: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, encodingError("zlib: %v", err)
	}
	return buf.Bytes(), nil
}

func (Zlib) Decode(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, encodingError("zlib: %v", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, encodingError("zlib: %v", err)
	}
	if len(out) > MaxDecodedSize {
		return nil, encodingError("zlib: decoded buffer exceeds limit")
	}
	return out, nil
}

// Zstd compresses with zstandard. The encoder and decoder are created on first use and shared.
type Zstd struct {
	state *zstdState
}

type zstdState struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func NewZstd() Zstd {
	return Zstd{state: new(zstdState)}
}

func (Zstd) Name() string {
	return "zstd"
}

func (z Zstd) init() (*zstdState, error) {
	st := z.state
	if st == nil {
		st = sharedZstd
	}
	st.once.Do(func() {
		st.encoder, st.err = zstd.NewWriter(nil)
		if st.err != nil {
			return
		}
		st.decoder, st.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedSize))
	})
	return st, st.err
}

var sharedZstd = new(zstdState)

func (z Zstd) Encode(src []byte) ([]byte, error) {
	st, err := z.init()
	if err != nil {
		return nil, encodingError("zstd: %v", err)
	}
	return st.encoder.EncodeAll(src, nil), nil
}

func (z Zstd) Decode(src []byte) ([]byte, error) {
	st, err := z.init()
	if err != nil {
		return nil, encodingError("zstd: %v", err)
	}
	out, err := st.decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, encodingError("zstd: %v", err)
	}
	return out, nil
}
