package archive

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestArchive_Primitives(t *testing.T) {
	w := NewWriter(64)
	w.WriteBool(true)
	w.WriteUvarint(300)
	w.WriteVarint(-42)
	w.WriteFixed64(math.MaxUint64)
	w.WriteString("hello")
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteBytes(nil)

	r := NewReader(w.Bytes())

	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	u, err := r.ReadUvarint()
	require.NoError(t, err)
	require.Equal(t, uint64(300), u)

	i, err := r.ReadVarint()
	require.NoError(t, err)
	require.Equal(t, int64(-42), i)

	f, err := r.ReadFixed64()
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), f)

	s, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	raw, err := r.ReadBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)

	empty, err := r.ReadBytes()
	require.NoError(t, err)
	require.Nil(t, empty)

	require.Zero(t, r.Remaining())
	_, err = r.ReadUvarint()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestArchive_ReadBytesCopies(t *testing.T) {
	w := NewWriter(8)
	w.WriteBytes([]byte("abc"))
	buf := w.Bytes()

	got, err := NewReader(buf).ReadBytes()
	require.NoError(t, err)
	buf[1] = 'z'
	require.Equal(t, "abc", string(got), "reader must not alias the input buffer")
}

func TestArchive_Uint32Overflow(t *testing.T) {
	w := NewWriter(8)
	w.WriteUvarint(math.MaxUint32 + 1)
	_, err := NewReader(w.Bytes()).ReadUint32()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestArchive_BoolOutOfRange(t *testing.T) {
	w := NewWriter(8)
	w.WriteUvarint(7)
	_, err := NewReader(w.Bytes()).ReadBool()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestFrame_RoundTrip(t *testing.T) {
	var stream []byte
	stream = AppendFrame(stream, []byte("first"))
	stream = AppendFrame(stream, bytes.Repeat([]byte{'x'}, 300))
	stream = AppendFrame(stream, nil)

	r := bufio.NewReader(bytes.NewReader(stream))

	frame, err := ReadFrame(r, 0)
	require.NoError(t, err)
	require.Equal(t, "first", string(frame))

	frame, err = ReadFrame(r, 0)
	require.NoError(t, err)
	require.Len(t, frame, 300)

	frame, err = ReadFrame(r, 0)
	require.NoError(t, err)
	require.Empty(t, frame)

	_, err = ReadFrame(r, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_Truncated(t *testing.T) {
	stream := AppendFrame(nil, []byte("truncated"))
	r := bufio.NewReader(bytes.NewReader(stream[:4]))
	_, err := ReadFrame(r, 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrame_TooLarge(t *testing.T) {
	stream := AppendFrame(nil, bytes.Repeat([]byte{'x'}, 128))
	r := bufio.NewReader(bytes.NewReader(stream))
	_, err := ReadFrame(r, 64)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_LyingPrefix(t *testing.T) {
	// announces a terabyte, carries three bytes.
	stream := protowire.AppendVarint(nil, 1<<40)
	stream = append(stream, "abc"...)

	r := bufio.NewReader(bytes.NewReader(stream))
	_, err := ReadFrame(r, 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	stream = protowire.AppendVarint(nil, math.MaxUint64)
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(stream)), 0)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_LargerThanChunk(t *testing.T) {
	payload := bytes.Repeat([]byte{'y'}, 3*frameChunk+17)
	r := bufio.NewReader(bytes.NewReader(AppendFrame(nil, payload)))
	frame, err := ReadFrame(r, 0)
	require.NoError(t, err)
	require.Equal(t, payload, frame)
}
