package function

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"unsafe"

	"github.com/raskyld/parcelport/pkg/archive"
	"github.com/vmihailenco/msgpack/v5"
)

// Registry maps stable names to the dispatch tables of serializable
// callables. It is populated explicitly during startup, before any
// container is loaded from the wire.
type Registry struct {
	lk     sync.RWMutex
	byName map[string]registration
}

type registration struct {
	typ   reflect.Type
	table any
}

// DefaultRegistry is the process-wide registry.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]registration),
	}
}

// Register makes `T` serializable under `name` for the call signature
// `func(A) R`.
//
// If `T` implements `archive.Saver` and `*T` implements `archive.Loader`,
// they are used to encode the payload, otherwise its exported fields are
// encoded with MessagePack.
//
// A type can only have a single name in the process, registering it again
// under the same name is a no-op.
func Register[T Callable[A, R], A, R any](reg *Registry, name string) error {
	if reg == nil {
		reg = DefaultRegistry
	}
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrNotSerializable)
	}

	vt := vtableFor[T, A, R]()
	ser, err := serializerFor[T](name)
	if err != nil {
		return err
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()

	if existing, has := reg.byName[name]; has {
		if existing.table != any(vt) {
			return fmt.Errorf(
				"%w: %q is bound to %s", ErrDuplicateName, name, describe(existing.typ))
		}
		return nil
	}

	if current := vt.ser.Load(); current != nil && current.name != name {
		return fmt.Errorf(
			"%w: %s is already registered as %q", ErrDuplicateName, describe(vt.typ), current.name)
	}

	vt.ser.Store(ser)
	reg.byName[name] = registration{
		typ:   vt.typ,
		table: vt,
	}
	return nil
}

// MustRegister is like `Register` but panics on error. It is meant to be
// called from package initialization.
func MustRegister[T Callable[A, R], A, R any](reg *Registry, name string) {
	if err := Register[T, A, R](reg, name); err != nil {
		panic(err)
	}
}

// Has reports whether `name` is registered.
func (reg *Registry) Has(name string) bool {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	_, has := reg.byName[name]
	return has
}

// TypeOf returns the Go type registered under `name`.
func (reg *Registry) TypeOf(name string) (reflect.Type, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	r, has := reg.byName[name]
	return r.typ, has
}

// Names returns the registered names, sorted.
func (reg *Registry) Names() []string {
	reg.lk.RLock()
	names := make([]string, 0, len(reg.byName))
	for name := range reg.byName {
		names = append(names, name)
	}
	reg.lk.RUnlock()
	slices.Sort(names)
	return names
}

func (reg *Registry) lookup(name string) (any, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	r, has := reg.byName[name]
	return r.table, has
}

func serializerFor[T any](name string) (*serializer, error) {
	var zero T
	_, isSaver := any(zero).(archive.Saver)
	_, isLoader := any(&zero).(archive.Loader)
	if isSaver && isLoader {
		return &serializer{
			name: name,
			save: func(obj unsafe.Pointer, w *archive.Writer) error {
				return any(*(*T)(obj)).(archive.Saver).Save(w)
			},
			load: func(obj unsafe.Pointer, r *archive.Reader) error {
				return any((*T)(obj)).(archive.Loader).Load(r)
			},
		}, nil
	}

	switch reflect.TypeFor[T]().Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Interface:
		return nil, fmt.Errorf(
			"%w: %s has no archive.Saver/archive.Loader implementation",
			ErrNotSerializable, describe(reflect.TypeFor[T]()))
	}

	return &serializer{
		name: name,
		save: func(obj unsafe.Pointer, w *archive.Writer) error {
			buf, err := msgpack.Marshal((*T)(obj))
			if err != nil {
				return err
			}
			w.WriteBytes(buf)
			return nil
		},
		load: func(obj unsafe.Pointer, r *archive.Reader) error {
			buf, err := r.ReadBytes()
			if err != nil {
				return err
			}
			return msgpack.Unmarshal(buf, (*T)(obj))
		},
	}, nil
}

// Save writes the container into `w`.
//
// Layout: empty flag, then for non-empty containers the registered name
// followed by the payload.
func (b *base[A, R]) Save(w *archive.Writer) error {
	obj := b.object()
	w.WriteBool(obj == nil)
	if obj == nil {
		return nil
	}

	ser := b.vt.ser.Load()
	if ser == nil {
		return fmt.Errorf("%w: %s was never registered", ErrNotSerializable, describe(b.vt.typ))
	}
	w.WriteString(ser.name)
	if err := ser.save(obj, w); err != nil {
		return fmt.Errorf("function: failed to save %q: %w", ser.name, err)
	}
	return nil
}

// Load resets the container and restores it from `r`, resolving names with
// `reg` (`DefaultRegistry` when nil). On error, the container is left empty.
func (b *base[A, R]) Load(r *archive.Reader, reg *Registry) error {
	if reg == nil {
		reg = DefaultRegistry
	}
	b.Reset()

	isEmpty, err := r.ReadBool()
	if err != nil {
		return err
	}
	if isEmpty {
		return nil
	}

	name, err := r.ReadString()
	if err != nil {
		return err
	}

	table, has := reg.lookup(name)
	if !has {
		return fmt.Errorf("%w: %q", ErrUnknownCallableType, name)
	}
	vt, ok := table.(*vtable[A, R])
	if !ok {
		return fmt.Errorf("%w: %q is registered for another signature", ErrUnknownCallableType, name)
	}
	ser := vt.ser.Load()

	b.vt = vt
	if !vt.inline {
		b.heap = vt.alloc()
	}
	if err := ser.load(b.object(), r); err != nil {
		b.Reset()
		return fmt.Errorf("function: failed to load %q: %w", name, err)
	}
	return nil
}
