// Package function provides type-erased containers for callables sharing a
// call signature.
//
// A container stores its payload either in a fixed inline arena of
// `InlineCapacity` bytes, or on the heap when the payload is too big or holds
// pointers. Re-assigning a payload of the same concrete type reuses the
// existing storage, which keeps hot senders allocation-free.
//
// Callables registered in a `Registry` can cross process boundaries: `Save`
// writes the registered name followed by the payload bytes, and `Load`
// resolves the name back to a dispatch table.
//
// Containers MUST NOT be copied after first use, use `Clone`, `CopyFrom`,
// `MoveFrom` or `Swap` instead.
package function

import (
	"errors"
	"reflect"
	"unsafe"
)

// InlineCapacity is the size in bytes of the inline arena.
const InlineCapacity = 3 * 8

const inlineWords = InlineCapacity / 8

var (
	ErrEmptyFunction       = errors.New("function: invoked an empty function")
	ErrUnknownCallableType = errors.New("function: unknown callable type")
	ErrNotSerializable     = errors.New("function: callable type is not serializable")
	ErrDuplicateName       = errors.New("function: name already registered")
)

// Callable is any value which can be invoked with an `A` to produce an `R`.
type Callable[A, R any] interface {
	Call(A) R
}

// Func adapts a plain Go func to `Callable`.
type Func[A, R any] func(A) R

func (f Func[A, R]) Call(arg A) R {
	return f(arg)
}

type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// base is the storage shared by `Function` and `UniqueFunction`.
//
// The payload address is derived from the container each time it is needed,
// so moving the inline arena to another container never leaves a dangling
// self-reference behind.
type base[A, R any] struct {
	noCopy noCopy

	vt     *vtable[A, R]
	heap   unsafe.Pointer
	inline [inlineWords]uint64
}

func (b *base[A, R]) table() *vtable[A, R] {
	if b.vt == nil {
		b.vt = emptyVTable[A, R]()
	}
	return b.vt
}

func (b *base[A, R]) object() unsafe.Pointer {
	vt := b.table()
	if vt.empty() {
		return nil
	}
	if vt.inline {
		return unsafe.Pointer(&b.inline)
	}
	return b.heap
}

// Empty reports whether the container holds no callable.
func (b *base[A, R]) Empty() bool {
	return b.object() == nil
}

// Invoke calls the contained callable. It returns `ErrEmptyFunction` if the
// container is empty.
func (b *base[A, R]) Invoke(arg A) (R, error) {
	return b.table().invoke(b.object(), arg)
}

// Reset destroys the payload, if any. It is idempotent.
func (b *base[A, R]) Reset() {
	b.destroy()
	b.vt = emptyVTable[A, R]()
}

func (b *base[A, R]) destroy() {
	obj := b.object()
	if obj == nil {
		return
	}
	b.vt.clear(obj)
	b.heap = nil
}

// Name returns the name under which the contained type was registered, or
// the Go type name for unregistered types.
func (b *base[A, R]) Name() string {
	return b.table().String()
}

// Inline reports whether the payload lives in the inline arena.
func (b *base[A, R]) Inline() bool {
	vt := b.table()
	return !vt.empty() && vt.inline
}

// StoragePointer exposes the payload address, mainly so that callers can
// observe storage reuse.
func (b *base[A, R]) StoragePointer() uintptr {
	return uintptr(b.object())
}

func (b *base[A, R]) swap(other *base[A, R]) {
	b.vt, other.vt = other.vt, b.vt
	b.heap, other.heap = other.heap, b.heap
	b.inline, other.inline = other.inline, b.inline
}

func (b *base[A, R]) moveFrom(other *base[A, R]) {
	if b == other {
		return
	}
	b.Reset()
	b.swap(other)
}

func assign[T Callable[A, R], A, R any](b *base[A, R], v T) {
	if isNil(v) {
		b.Reset()
		return
	}

	vt := vtableFor[T, A, R]()
	if b.table() == vt {
		// fast path: same type, overwrite in place.
		*(*T)(b.object()) = v
		return
	}

	b.destroy()
	b.vt = vt
	if vt.inline {
		*(*T)(unsafe.Pointer(&b.inline)) = v
		return
	}
	ptr := new(T)
	*ptr = v
	b.heap = unsafe.Pointer(ptr)
}

func target[T any, A, R any](b *base[A, R]) (*T, bool) {
	vt := b.table()
	if vt.empty() || vt.typ != reflect.TypeFor[T]() {
		return nil, false
	}
	return (*T)(b.object()), true
}

// isNil reports whether `v` is a nil func, pointer or interface, which
// are normalized to an empty container.
func isNil[T any](v T) bool {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Func, reflect.Pointer, reflect.Interface:
		rv := reflect.ValueOf(any(v))
		return !rv.IsValid() || rv.IsNil()
	default:
		return false
	}
}

// Function is a copyable type-erased callable.
type Function[A, R any] struct {
	base[A, R]
}

// New returns a `Function` holding `v`.
func New[T Callable[A, R], A, R any](v T) *Function[A, R] {
	f := &Function[A, R]{}
	assign(&f.base, v)
	return f
}

// Assign stores `v` in `f`, reusing the current storage when `v` has the same
// type as the current payload. Nil funcs and nil pointers reset `f`.
func Assign[T Callable[A, R], A, R any](f *Function[A, R], v T) {
	assign(&f.base, v)
}

// Target returns the payload if its concrete type is exactly `T`.
//
// The pointer is only valid until the next mutation of `f`.
func Target[T any, A, R any](f *Function[A, R]) (*T, bool) {
	return target[T](&f.base)
}

// Clone returns an independent copy of `f`.
func (f *Function[A, R]) Clone() *Function[A, R] {
	c := &Function[A, R]{}
	c.CopyFrom(f)
	return c
}

// CopyFrom replaces the payload of `f` by a copy of the payload of `other`.
func (f *Function[A, R]) CopyFrom(other *Function[A, R]) {
	if f == other {
		return
	}

	src := other.object()
	if src == nil {
		f.Reset()
		return
	}

	vt := other.vt
	if f.table() == vt {
		vt.copy(f.object(), src)
		return
	}

	f.destroy()
	f.vt = vt
	if !vt.inline {
		f.heap = vt.alloc()
	}
	vt.copy(f.object(), src)
}

// MoveFrom transfers the payload of `other` to `f`, leaving `other` empty.
func (f *Function[A, R]) MoveFrom(other *Function[A, R]) {
	f.moveFrom(&other.base)
}

// Swap exchanges the payloads of `f` and `other` without allocating.
func (f *Function[A, R]) Swap(other *Function[A, R]) {
	f.swap(&other.base)
}

// UniqueFunction is a move-only type-erased callable.
type UniqueFunction[A, R any] struct {
	base[A, R]
}

// NewUnique returns an `UniqueFunction` holding `v`.
func NewUnique[T Callable[A, R], A, R any](v T) *UniqueFunction[A, R] {
	f := &UniqueFunction[A, R]{}
	assign(&f.base, v)
	return f
}

// AssignUnique is the `UniqueFunction` counterpart of `Assign`.
func AssignUnique[T Callable[A, R], A, R any](f *UniqueFunction[A, R], v T) {
	assign(&f.base, v)
}

// TargetUnique is the `UniqueFunction` counterpart of `Target`.
func TargetUnique[T any, A, R any](f *UniqueFunction[A, R]) (*T, bool) {
	return target[T](&f.base)
}

// MoveFrom transfers the payload of `other` to `f`, leaving `other` empty.
func (f *UniqueFunction[A, R]) MoveFrom(other *UniqueFunction[A, R]) {
	f.moveFrom(&other.base)
}

// Swap exchanges the payloads of `f` and `other` without allocating.
func (f *UniqueFunction[A, R]) Swap(other *UniqueFunction[A, R]) {
	f.swap(&other.base)
}
