package parcelport

import (
	"sync"
	"testing"

	"github.com/raskyld/parcelport/pkg/archive"
	"github.com/raskyld/parcelport/pkg/function"
	"github.com/stretchr/testify/require"
)

// sinks routes received parcels back to the test which sent them.
var sinks sync.Map

type recordAction struct {
	Sink string
}

func (a recordAction) Call(ctx *ActionContext) error {
	if ch, ok := sinks.Load(a.Sink); ok {
		ch.(chan *ActionContext) <- ctx
	}
	return nil
}

// only ever registered on the sending side.
type strayAction struct {
	N int
}

func (strayAction) Call(*ActionContext) error { return nil }

func newSink(t *testing.T) (string, chan *ActionContext) {
	t.Helper()
	ch := make(chan *ActionContext, 64)
	sinks.Store(t.Name(), ch)
	t.Cleanup(func() { sinks.Delete(t.Name()) })
	return t.Name(), ch
}

func testRegistry(t *testing.T) *function.Registry {
	t.Helper()
	reg := function.NewRegistry()
	require.NoError(t, RegisterAction[recordAction](reg, "test/record"))
	return reg
}

func encodedParcel(t *testing.T, dest LocalityID, action *Action, payload string) *Parcel {
	t.Helper()
	p := NewParcel(dest, action, []byte(payload))
	require.NoError(t, p.encode())
	return p
}

func TestParcel_NewTakesOwnership(t *testing.T) {
	action := NewAction(recordAction{Sink: "x"})
	p := NewParcel(3, action, nil)
	require.True(t, action.Empty())
	require.False(t, p.Action.Empty())
	require.Equal(t, LocalityID(3), p.Destination)
	require.NotZero(t, p.ID)
}

func TestParcel_EmptyAction(t *testing.T) {
	p := NewParcel(1, nil, []byte("x"))
	err := p.encode()
	require.ErrorIs(t, err, ErrEmptyAction)
	require.Zero(t, p.Size())
}

func TestParcel_Unregistered(t *testing.T) {
	p := NewParcel(1, NewAction(ActionFunc(func(*ActionContext) error { return nil })), nil)
	require.ErrorIs(t, p.encode(), function.ErrNotSerializable)
}

func TestBatch_RoundTrip(t *testing.T) {
	reg := testRegistry(t)
	parcels := []*Parcel{
		encodedParcel(t, 2, NewAction(recordAction{Sink: "a"}), "first"),
		encodedParcel(t, 2, NewAction(recordAction{Sink: "b"}), ""),
	}
	parcels[0].Source = 9

	w := archive.NewWriter(0)
	// Source changed after encoding, the record is what was queued.
	encodeBatch(w, parcels)

	got, skipped, err := decodeBatch(w.Bytes(), reg)
	require.NoError(t, err)
	require.Empty(t, skipped)
	require.Len(t, got, 2)

	for i, p := range got {
		require.Equal(t, parcels[i].ID, p.ID)
		require.Equal(t, LocalityID(0), p.Source)
		require.Equal(t, LocalityID(2), p.Destination)
		require.True(t, parcels[i].CreatedAt.Equal(p.CreatedAt))
		require.Equal(t, parcels[i].Size(), p.Size())
		require.Equal(t, "test/record", p.Action.Name())
	}
	require.Equal(t, []byte("first"), got[0].Payload)
	require.Nil(t, got[1].Payload)

	action, ok := function.Target[recordAction](&got[1].Action)
	require.True(t, ok)
	require.Equal(t, "b", action.Sink)
}

func TestBatch_SkipsUnknownActions(t *testing.T) {
	sender := testRegistry(t)
	require.NoError(t, RegisterAction[strayAction](sender, "test/stray"))
	receiver := testRegistry(t)

	parcels := []*Parcel{
		encodedParcel(t, 2, NewAction(strayAction{N: 1}), "lost"),
		encodedParcel(t, 2, NewAction(recordAction{Sink: "a"}), "kept"),
	}
	w := archive.NewWriter(0)
	encodeBatch(w, parcels)

	got, skipped, err := decodeBatch(w.Bytes(), receiver)
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	require.ErrorIs(t, skipped[0], function.ErrUnknownCallableType)
	require.Len(t, got, 1)
	require.Equal(t, []byte("kept"), got[0].Payload)
}

func TestBatch_Malformed(t *testing.T) {
	reg := testRegistry(t)
	w := archive.NewWriter(0)
	encodeBatch(w, []*Parcel{encodedParcel(t, 2, NewAction(recordAction{}), "x")})
	valid := w.Bytes()

	t.Run("truncated", func(t *testing.T) {
		_, _, err := decodeBatch(valid[:len(valid)-1], reg)
		require.ErrorIs(t, err, ErrMalformedParcel)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, _, err := decodeBatch(append(append([]byte{}, valid...), 0), reg)
		require.ErrorIs(t, err, ErrMalformedParcel)
	})

	t.Run("oversized count", func(t *testing.T) {
		w := archive.NewWriter(0)
		w.WriteUvarint(1000)
		_, _, err := decodeBatch(w.Bytes(), reg)
		require.ErrorIs(t, err, ErrMalformedParcel)
	})

	t.Run("bad id", func(t *testing.T) {
		record := archive.NewWriter(0)
		record.WriteBytes([]byte{1, 2, 3})
		w := archive.NewWriter(0)
		w.WriteUvarint(1)
		w.WriteBytes(record.Bytes())
		_, _, err := decodeBatch(w.Bytes(), reg)
		require.ErrorIs(t, err, ErrMalformedParcel)
	})
}
