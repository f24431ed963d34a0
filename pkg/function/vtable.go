package function

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/raskyld/parcelport/pkg/archive"
)

// vtable is the dispatch table of one concrete callable type for one call
// signature. There is exactly one vtable per (type, signature) pair in the
// process, so pointer equality means type equality.
type vtable[A, R any] struct {
	typ    reflect.Type
	inline bool

	invoke func(obj unsafe.Pointer, arg A) (R, error)
	copy   func(dst, src unsafe.Pointer)
	clear  func(obj unsafe.Pointer)
	alloc  func() unsafe.Pointer

	// set once the type is registered for serialization.
	ser atomic.Pointer[serializer]
}

type serializer struct {
	name string
	save func(obj unsafe.Pointer, w *archive.Writer) error
	load func(obj unsafe.Pointer, r *archive.Reader) error
}

type vtableKey struct {
	typ reflect.Type
	sig reflect.Type
}

var vtables sync.Map

// Cloner can be implemented by callables needing a deep copy when a
// copyable `Function` is cloned. Others are copied by value.
type Cloner[T any] interface {
	Clone() T
}

func vtableFor[T Callable[A, R], A, R any]() *vtable[A, R] {
	key := vtableKey{
		typ: reflect.TypeFor[T](),
		sig: reflect.TypeFor[vtable[A, R]](),
	}
	if vt, ok := vtables.Load(key); ok {
		return vt.(*vtable[A, R])
	}

	vt := &vtable[A, R]{
		typ:    key.typ,
		inline: fitsInline(key.typ),
		invoke: func(obj unsafe.Pointer, arg A) (R, error) {
			return (*(*T)(obj)).Call(arg), nil
		},
		copy: func(dst, src unsafe.Pointer) {
			val := *(*T)(src)
			if cloner, ok := any(val).(Cloner[T]); ok {
				val = cloner.Clone()
			}
			*(*T)(dst) = val
		},
		clear: func(obj unsafe.Pointer) {
			var zero T
			*(*T)(obj) = zero
		},
		alloc: func() unsafe.Pointer {
			return unsafe.Pointer(new(T))
		},
	}

	actual, _ := vtables.LoadOrStore(key, vt)
	return actual.(*vtable[A, R])
}

func emptyVTable[A, R any]() *vtable[A, R] {
	key := vtableKey{sig: reflect.TypeFor[vtable[A, R]]()}
	if vt, ok := vtables.Load(key); ok {
		return vt.(*vtable[A, R])
	}

	vt := &vtable[A, R]{
		invoke: func(unsafe.Pointer, A) (result R, err error) {
			err = ErrEmptyFunction
			return
		},
		copy:  func(_, _ unsafe.Pointer) {},
		clear: func(unsafe.Pointer) {},
		alloc: func() unsafe.Pointer { return nil },
	}

	actual, _ := vtables.LoadOrStore(key, vt)
	return actual.(*vtable[A, R])
}

func (vt *vtable[A, R]) empty() bool {
	return vt.typ == nil
}

func (vt *vtable[A, R]) name() string {
	if ser := vt.ser.Load(); ser != nil {
		return ser.name
	}
	return ""
}

func (vt *vtable[A, R]) String() string {
	if vt.empty() {
		return "<empty>"
	}
	if name := vt.name(); name != "" {
		return name
	}
	return vt.typ.String()
}

// fitsInline reports whether values of `t` can live in the inline arena.
// Only pointer-free types qualify: the arena is untyped memory from the
// garbage collector's point of view.
func fitsInline(t reflect.Type) bool {
	return t.Size() <= InlineCapacity &&
		uintptr(t.Align()) <= unsafe.Alignof(uint64(0)) &&
		pointerFree(t)
}

func pointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || pointerFree(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !pointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func describe(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s)", t.String(), t.PkgPath())
}
