// Package archive provides the byte-oriented primitives used to serialize
// callables and parcels.
//
// The encoding relies on protobuf varints and length-delimited bytes, without
// field tags: readers MUST consume values in the exact order writers produced
// them.
package archive

import (
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrTruncated = errors.New("archive: unexpected end of buffer")
	ErrMalformed = errors.New("archive: malformed value")
)

// Saver is implemented by values able to write themselves into an archive.
type Saver interface {
	Save(w *Writer) error
}

// Loader is implemented by pointers able to restore themselves from an
// archive produced by the matching `Saver`.
type Loader interface {
	Load(r *Reader) error
}

// Writer accumulates encoded values in memory.
type Writer struct {
	buf []byte
}

func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) WriteBool(v bool) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeBool(v))
}

func (w *Writer) WriteUvarint(v uint64) {
	w.buf = protowire.AppendVarint(w.buf, v)
}

func (w *Writer) WriteVarint(v int64) {
	w.buf = protowire.AppendVarint(w.buf, protowire.EncodeZigZag(v))
}

func (w *Writer) WriteFixed64(v uint64) {
	w.buf = protowire.AppendFixed64(w.buf, v)
}

func (w *Writer) WriteBytes(v []byte) {
	w.buf = protowire.AppendBytes(w.buf, v)
}

func (w *Writer) WriteString(v string) {
	w.buf = protowire.AppendString(w.buf, v)
}

// WriteRaw appends already encoded bytes without any prefix.
func (w *Writer) WriteRaw(v []byte) {
	w.buf = append(w.buf, v...)
}

// Bytes returns the encoded buffer. The slice is only valid until the next
// write.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset empties the writer while keeping its capacity.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Reader decodes values from an immutable buffer.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("%w: bool out of range (%d)", ErrMalformed, v)
	}
	return protowire.DecodeBool(v), nil
}

func (r *Reader) ReadUvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, r.wrap(n)
	}
	r.off += n
	return v, nil
}

func (r *Reader) ReadVarint() (int64, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return protowire.DecodeZigZag(v), nil
}

func (r *Reader) ReadFixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(r.buf[r.off:])
	if n < 0 {
		return 0, r.wrap(n)
	}
	r.off += n
	return v, nil
}

// ReadBytes returns a copy of the next length-delimited value, so the caller
// can retain it after the underlying buffer is recycled.
func (r *Reader) ReadBytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return nil, r.wrap(n)
	}
	r.off += n
	if len(v) == 0 {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return "", r.wrap(n)
	}
	r.off += n
	return string(v), nil
}

// ReadUint32 reads an uvarint and checks it fits in 32 bits.
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d overflows uint32", ErrMalformed, v)
	}
	return uint32(v), nil
}

func (r *Reader) wrap(code int) error {
	err := protowire.ParseError(code)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
