// Package codec contains the byte-level encoders that frame bodies pass through before they go on
// the wire: size declaration and compression.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEncoding is wrapped by every failure to encode or decode.
	ErrEncoding = errors.New("encoding error")
)

// Upper bound for the decoded size of a single buffer.
const MaxDecodedSize = 64 << 20

type Encoder interface {
	Encode(src []byte) ([]byte, error)
}

type Decoder interface {
	Decode(src []byte) ([]byte, error)
}

// A Codec is deterministic and free of side effects; implementations are safe for concurrent use.
type Codec interface {
	Encoder
	Decoder
	Name() string
}

func encodingError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrEncoding, fmt.Sprintf(format, args...))
}

// Default returns the codec used when none is configured: a size declaration around the plain bytes.
func Default() Codec {
	return SizeDeclarative{Inner: Null{}}
}

// FromName returns the codec for a configuration value: "none" (or empty), "zlib" or "zstd".
func FromName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", Null{}.Name():
		return Default(), nil
	case "zlib":
		return SizeDeclarative{Inner: Zlib{}}, nil
	case "zstd":
		return SizeDeclarative{Inner: NewZstd()}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Null passes bytes through unchanged.
type Null struct{}

func (Null) Name() string {
	return "null"
}

func (Null) Encode(src []byte) ([]byte, error) {
	return src, nil
}

func (Null) Decode(src []byte) ([]byte, error) {
	if len(src) > MaxDecodedSize {
		return nil, encodingError("buffer of %d bytes exceeds limit", len(src))
	}
	return src, nil
}

// Chain applies codecs in order when encoding and in reverse order when decoding.
type Chain []Codec

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, cd := range c {
		names[i] = cd.Name()
	}
	return strings.Join(names, "+")
}

func (c Chain) Encode(src []byte) ([]byte, error) {
	var err error
	for _, cd := range c {
		if src, err = cd.Encode(src); err != nil {
			return nil, err
		}
	}
	return src, nil
}

func (c Chain) Decode(src []byte) ([]byte, error) {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if src, err = c[i].Decode(src); err != nil {
			return nil, err
		}
	}
	return src, nil
}
