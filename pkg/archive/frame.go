package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrFrameTooLarge = errors.New("archive: frame exceeds maximum size")

// frameChunk caps the buffer allocated before any payload byte is read.
const frameChunk = 64 << 10

// AppendFrame appends `payload` to `dst` prefixed by its varint-encoded
// length.
func AppendFrame(dst []byte, payload []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// ReadFrame reads one length-prefixed frame from `r`.
//
// A clean `io.EOF` is only returned if the stream ended on a frame boundary,
// any other truncation is reported as `io.ErrUnexpectedEOF`.
// A `maxSize` of zero disables the size check.
func ReadFrame(r io.ByteReader, maxSize uint64) ([]byte, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: frame prefix overflow", ErrMalformed)
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, size)
	}

	// the prefix is untrusted, the buffer grows as the payload arrives.
	if reader, ok := r.(io.Reader); ok {
		var buf bytes.Buffer
		buf.Grow(int(min(size, frameChunk)))
		if _, err := io.CopyN(&buf, reader, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf.Bytes(), nil
	}

	buf := make([]byte, 0, min(size, frameChunk))
	for range size {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
	}
	return buf, nil
}
