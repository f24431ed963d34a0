package parcelport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/parcelport/pkg/archive"
	"github.com/raskyld/parcelport/pkg/coroutine"
	"github.com/raskyld/parcelport/pkg/function"
)

// Action is the remote work carried by a `Parcel`.
type Action = function.Function[*ActionContext, error]

// ActionFunc adapts a plain func to an `Action` payload. Funcs cannot be
// registered, so parcels holding one cannot be sent.
type ActionFunc = function.Func[*ActionContext, error]

// ActionContext is passed to an `Action` when it runs on its destination.
type ActionContext struct {
	context.Context

	// Parcel that carried the action.
	Parcel *Parcel
	// Self lets the action suspend its execution context.
	Self *coroutine.Self
	// Port that received the parcel, it can be used to reply.
	Port *Parcelport
}

// NewAction returns an `Action` holding `v`.
func NewAction[T function.Callable[*ActionContext, error]](v T) *Action {
	return function.New[T, *ActionContext, error](v)
}

// RegisterAction makes `T` sendable under `name`. It MUST be called on
// both ends, before any parcel carrying a `T` is received.
func RegisterAction[T function.Callable[*ActionContext, error]](reg *function.Registry, name string) error {
	return function.Register[T, *ActionContext, error](reg, name)
}

// MustRegisterAction is like `RegisterAction` but panics on error.
func MustRegisterAction[T function.Callable[*ActionContext, error]](reg *function.Registry, name string) {
	function.MustRegister[T, *ActionContext, error](reg, name)
}

// Parcel carries an `Action` and an opaque payload to a destination.
//
// A parcel is immutable once passed to `Parcelport.Send`.
type Parcel struct {
	ID          uuid.UUID
	Source      LocalityID
	Destination LocalityID
	Action      Action
	Payload     []byte
	CreatedAt   time.Time

	// wire record, computed when the parcel is queued.
	encoded []byte
}

// NewParcel returns a parcel for `dest`, taking ownership of `action`.
func NewParcel(dest LocalityID, action *Action, payload []byte) *Parcel {
	p := &Parcel{
		ID:          uuid.New(),
		Destination: dest,
		Payload:     payload,
		CreatedAt:   time.Now(),
	}
	if action != nil {
		p.Action.MoveFrom(action)
	}
	return p
}

func (p *Parcel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID.String()),
		slog.Uint64("source", uint64(p.Source)),
		slog.Uint64("destination", uint64(p.Destination)),
		slog.String("action", p.Action.Name()),
		slog.Int("payload_bytes", len(p.Payload)),
	)
}

// Size returns the size of the wire record of the parcel, or zero if it
// was never queued.
func (p *Parcel) Size() int {
	return len(p.encoded)
}

// Save writes the parcel record.
//
// Layout: id, source, destination, creation time, action, payload.
func (p *Parcel) Save(w *archive.Writer) error {
	if p.Action.Empty() {
		return ErrEmptyAction
	}
	w.WriteBytes(p.ID[:])
	w.WriteUvarint(uint64(p.Source))
	w.WriteUvarint(uint64(p.Destination))
	w.WriteVarint(p.CreatedAt.UnixNano())
	if err := p.Action.Save(w); err != nil {
		return err
	}
	w.WriteBytes(p.Payload)
	return nil
}

// Load reads a parcel record written by `Save`, resolving its action with
// `reg`.
func (p *Parcel) Load(r *archive.Reader, reg *function.Registry) error {
	rawID, err := r.ReadBytes()
	if err != nil {
		return err
	}
	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedParcel, err)
	}

	src, err := r.ReadUint32()
	if err != nil {
		return err
	}
	dest, err := r.ReadUint32()
	if err != nil {
		return err
	}
	created, err := r.ReadVarint()
	if err != nil {
		return err
	}
	if err := p.Action.Load(r, reg); err != nil {
		return err
	}
	payload, err := r.ReadBytes()
	if err != nil {
		return err
	}

	p.ID = id
	p.Source = LocalityID(src)
	p.Destination = LocalityID(dest)
	p.CreatedAt = time.Unix(0, created)
	p.Payload = payload
	return nil
}

// encode computes the wire record of the parcel.
func (p *Parcel) encode() error {
	w := archive.NewWriter(64 + len(p.Payload))
	if err := p.Save(w); err != nil {
		return fmt.Errorf("parcel: failed to encode %s: %w", p.ID, err)
	}
	p.encoded = w.Bytes()
	return nil
}

// encodeBatch appends to `w` the body of a batch frame.
func encodeBatch(w *archive.Writer, parcels []*Parcel) {
	w.WriteUvarint(uint64(len(parcels)))
	for _, p := range parcels {
		w.WriteBytes(p.encoded)
	}
}

// decodeBatch decodes the body of a batch frame.
//
// Records naming an unknown action are skipped and reported in
// `skipped`, they do not compromise the rest of the batch. Any other error
// means the stream is corrupted.
func decodeBatch(frame []byte, reg *function.Registry) (parcels []*Parcel, skipped []error, err error) {
	r := archive.NewReader(frame)
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedParcel, err)
	}
	// every record takes at least one byte.
	if count > uint64(r.Remaining()) {
		return nil, nil, fmt.Errorf("%w: batch announces %d records in %d bytes",
			ErrMalformedParcel, count, r.Remaining())
	}

	parcels = make([]*Parcel, 0, count)
	for range count {
		record, err := r.ReadBytes()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformedParcel, err)
		}

		p := &Parcel{}
		err = p.Load(archive.NewReader(record), reg)
		if errors.Is(err, function.ErrUnknownCallableType) {
			skipped = append(skipped, err)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrMalformedParcel, err)
		}
		p.encoded = record
		parcels = append(parcels, p)
	}

	if r.Remaining() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedParcel, r.Remaining())
	}
	return parcels, skipped, nil
}
