package codec

import (
	"github.com/multiformats/go-varint"
)

// SizeDeclarative prefixes the output of Inner with the size of the original buffer as an
// unsigned varint. Decoding checks that Inner restores exactly that many bytes.
type SizeDeclarative struct {
	Inner Codec
}

func (s SizeDeclarative) inner() Codec {
	if s.Inner == nil {
		return Null{}
	}
	return s.Inner
}

func (s SizeDeclarative) Name() string {
	return "size+" + s.inner().Name()
}

func (s SizeDeclarative) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return []byte{0}, nil
	}
	body, err := s.inner().Encode(src)
	if err != nil {
		return nil, err
	}
	out := make([]byte, varint.UvarintSize(uint64(len(src))), varint.UvarintSize(uint64(len(src)))+len(body))
	varint.PutUvarint(out, uint64(len(src)))
	return append(out, body...), nil
}

func (s SizeDeclarative) Decode(src []byte) ([]byte, error) {
	size, n, err := varint.FromUvarint(src)
	if err != nil {
		return nil, encodingError("size declaration: %v", err)
	}
	if size > MaxDecodedSize {
		return nil, encodingError("declared size %d exceeds limit", size)
	}
	if size == 0 {
		if len(src) != n {
			return nil, encodingError("trailing bytes after empty buffer")
		}
		return nil, nil
	}
	out, err := s.inner().Decode(src[n:])
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != size {
		return nil, encodingError("declared size %d, decoded %d bytes", size, len(out))
	}
	return out, nil
}
