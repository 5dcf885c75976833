package mx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
)

// Element are the Go element types an NDArray can hold. Each maps to one
// dtypes.DType; half floats use the IEEE 754 binary16 type from
// github.com/x448/float16.
type Element interface {
	float16.Float16 | float32 | float64 | int32 | int64 | uint8
}

// dtypeOf returns the DType corresponding to the element type T.
func dtypeOf[T Element]() dtypes.DType {
	return dtypes.FromGenericsType[T]()
}

// NDArray is a typed handle to a multi-dimensional array owned by the
// engine. The element type T is fixed at compile time and always matches
// the engine-side dtype; shape, size and device are queried from the engine
// on demand, never cached in the wrapper.
//
// Engines run array operations asynchronously: mutating methods return once
// the work is enqueued, and the reading methods (Data, CopyData, CopyTo,
// WaitToRead) synchronize on this array first. Errors of failed
// asynchronous work surface at those synchronization points.
//
// Free releases the engine-side handle exactly once; every use afterwards
// returns ErrHandleInvalid. The zero NDArray behaves like a freed one -- it
// is the "empty wrapper" Executor.Outputs fills in.
type NDArray[T Element] struct {
	res *resource[engines.ArrayHandle]
	m   *Manager
}

// NewNDArray allocates an array with the given dimensions on the device
// ctx. The contents are undefined until written: fill with SetAll, CopyFrom
// or an operator before reading. No dimensions creates the empty array,
// which holds no elements.
func NewNDArray[T Element](m *Manager, ctx Context, dimensions ...int) (*NDArray[T], error) {
	return newNDArray[T](m, ctx, dimensions, false)
}

// NewDelayedNDArray is NewNDArray with the storage allocation left to the
// engine's discretion, typically delayed until the array is first written.
// The shape is fixed either way.
func NewDelayedNDArray[T Element](m *Manager, ctx Context, dimensions ...int) (*NDArray[T], error) {
	return newNDArray[T](m, ctx, dimensions, true)
}

// NewFilledNDArray is NewNDArray followed by SetAll(fill).
func NewFilledNDArray[T Element](m *Manager, ctx Context, fill float64, dimensions ...int) (*NDArray[T], error) {
	a, err := newNDArray[T](m, ctx, dimensions, true)
	if err != nil {
		return nil, err
	}
	if err := a.SetAll(fill); err != nil {
		a.Free()
		return nil, err
	}
	return a, nil
}

// FromSlice allocates an array with the given dimensions and copies data,
// a row-major flat slice with exactly the product of the dimensions
// elements, into it.
func FromSlice[T Element](m *Manager, ctx Context, data []T, dimensions ...int) (*NDArray[T], error) {
	a, err := newNDArray[T](m, ctx, dimensions, true)
	if err != nil {
		return nil, err
	}
	if err := a.CopyFrom(data); err != nil {
		a.Free()
		return nil, err
	}
	return a, nil
}

func newNDArray[T Element](m *Manager, ctx Context, dimensions []int, delayed bool) (*NDArray[T], error) {
	for axis, dim := range dimensions {
		if dim <= 0 {
			return nil, consistencyf("cannot create an NDArray with dimension %d on axis %d: dimensions must be positive", dim, axis)
		}
	}
	shape := shapes.Shape{DType: dtypeOf[T](), Dimensions: slices.Clone(dimensions)}
	h, err := m.engine.NewNDArray(ctx, shape, delayed)
	if err != nil {
		return nil, nativeErr("NewNDArray", err)
	}
	a := wrapNDArray[T](m, h)
	got, err := a.Shape()
	if err != nil {
		a.Free()
		return nil, err
	}
	if got.DType != shape.DType {
		a.Free()
		return nil, consistencyf("engine created a %s array where %s was requested", got.DType, shape.DType)
	}
	return a, nil
}

// Wrap adopts an engine handle the caller obtained out of band. The caller
// asserts no other wrapper owns it; the returned array frees the handle like
// one it created itself. A null handle yields the empty wrapper -- the state
// Executor.Outputs fills.
func Wrap[T Element](m *Manager, h engines.ArrayHandle) *NDArray[T] {
	if h.IsNull() {
		return &NDArray[T]{m: m}
	}
	return wrapNDArray[T](m, h)
}

// wrapNDArray adopts a handle the engine handed back. The caller guarantees
// no other wrapper owns it.
func wrapNDArray[T Element](m *Manager, h engines.ArrayHandle) *NDArray[T] {
	return &NDArray[T]{
		res: newResource("NDArray", h, m.engine.FreeNDArray),
		m:   m,
	}
}

// Manager returns the Manager the array was created through.
func (a *NDArray[T]) Manager() *Manager { return a.m }

// DType returns the element dtype, fixed by the element type T.
func (a *NDArray[T]) DType() dtypes.DType { return dtypeOf[T]() }

// Valid reports whether the array still owns its handle: false for the zero
// wrapper and after Free.
func (a *NDArray[T]) Valid() bool { return a != nil && a.res.valid() }

// handle returns the engine handle, or ErrHandleInvalid on a freed or zero
// wrapper.
func (a *NDArray[T]) handle() (engines.ArrayHandle, error) {
	if a == nil {
		return 0, ErrHandleInvalid
	}
	return a.res.get()
}

// Shape returns the dtype and dimensions of the array, queried from the
// engine. It never blocks on pending data.
func (a *NDArray[T]) Shape() (shapes.Shape, error) {
	h, err := a.handle()
	if err != nil {
		return shapes.Invalid(), err
	}
	shape, err := a.m.engine.NDArrayShape(h)
	if err != nil {
		return shapes.Invalid(), nativeErr("NDArrayShape", err)
	}
	return shape, nil
}

// Size returns the number of elements the array holds: the product of its
// dimensions, and 0 -- not 1 -- for the empty shape.
func (a *NDArray[T]) Size() (int, error) {
	shape, err := a.Shape()
	if err != nil {
		return 0, err
	}
	return shape.Size(), nil
}

// Context returns the device the array lives on, queried from the engine.
func (a *NDArray[T]) Context() (Context, error) {
	h, err := a.handle()
	if err != nil {
		return Context{}, err
	}
	dev, err := a.m.engine.NDArrayDevice(h)
	if err != nil {
		return Context{}, nativeErr("NDArrayDevice", err)
	}
	return dev, nil
}

// Free releases the engine-side handle. Idempotent; a second Free, or Free
// on the zero wrapper, is a no-op. Views created by Reshape and aliases
// handed out by Executor.Outputs each own their own handle: the shared
// storage is released when the last handle over it is freed.
func (a *NDArray[T]) Free() {
	if a == nil {
		return
	}
	a.res.free()
}

// CopyFrom copies data, a row-major (last index fastest) flat slice with
// exactly Size() elements, into the array. It blocks until pending reads
// and writes of the array completed before overwriting.
func (a *NDArray[T]) CopyFrom(data []T) error {
	h, shape, err := a.handleAndShape()
	if err != nil {
		return err
	}
	if len(data) != shape.Size() {
		return consistencyf("CopyFrom: array %s holds %d elements, got %d", shape, shape.Size(), len(data))
	}
	return nativeErr("SyncCopyFromHost", a.m.engine.SyncCopyFromHost(h, data))
}

// CopyTo copies the array out into dst, which must have exactly Size()
// elements. It blocks until pending writes to the array completed before
// reading.
func (a *NDArray[T]) CopyTo(dst []T) error {
	h, shape, err := a.handleAndShape()
	if err != nil {
		return err
	}
	if len(dst) != shape.Size() {
		return consistencyf("CopyTo: array %s holds %d elements, got %d", shape, shape.Size(), len(dst))
	}
	return nativeErr("SyncCopyToHost", a.m.engine.SyncCopyToHost(h, dst))
}

// Data blocks until pending writes to the array completed, then returns a
// read-only view directly over the array's storage -- no copy is made. Any
// later write, reshape or free of the array (or of a view sharing its
// storage) invalidates the returned slice: do not retain it across such
// calls, and do not write through it. Use CopyData for an independent copy.
func (a *NDArray[T]) Data() ([]T, error) {
	h, err := a.handle()
	if err != nil {
		return nil, err
	}
	if err := a.m.engine.WaitToRead(h); err != nil {
		return nil, nativeErr("WaitToRead", err)
	}
	flat, err := a.m.engine.NDArrayRawData(h)
	if err != nil {
		return nil, nativeErr("NDArrayRawData", err)
	}
	data, ok := flat.([]T)
	if !ok {
		var zero T
		return nil, consistencyf("array storage holds %T, the wrapper holds %T elements", flat, zero)
	}
	return data, nil
}

// CopyData returns a freshly allocated copy of the array's contents, after
// synchronizing. Unlike Data, the result stays valid independently of later
// operations on the array.
func (a *NDArray[T]) CopyData() ([]T, error) {
	size, err := a.Size()
	if err != nil {
		return nil, err
	}
	out := make([]T, size)
	if err := a.CopyTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitToRead blocks until all pending writes to the array completed.
// Errors of failed asynchronous operations involving the array surface
// here.
func (a *NDArray[T]) WaitToRead() error {
	h, err := a.handle()
	if err != nil {
		return err
	}
	return nativeErr("WaitToRead", a.m.engine.WaitToRead(h))
}

// WaitToWrite blocks until all pending reads and writes of the array
// completed, making it safe to overwrite.
func (a *NDArray[T]) WaitToWrite() error {
	h, err := a.handle()
	if err != nil {
		return err
	}
	return nativeErr("WaitToWrite", a.m.engine.WaitToWrite(h))
}

// Reshape returns a new array viewing the same storage with the given
// dimensions. The product of the new dimensions must be between 1 and
// Size(). Writes through either array are visible through both; both must
// eventually be freed, and the storage lives until the last view over it is
// freed.
func (a *NDArray[T]) Reshape(dimensions ...int) (*NDArray[T], error) {
	h, shape, err := a.handleAndShape()
	if err != nil {
		return nil, err
	}
	size := 1
	for _, dim := range dimensions {
		if dim < 1 {
			return nil, consistencyf("Reshape to %v: dimensions must be positive", dimensions)
		}
		size *= dim
	}
	if size > shape.Size() {
		return nil, consistencyf("Reshape to %v wants between 1 and %d elements, got %d",
			dimensions, shape.Size(), size)
	}
	view, err := a.m.engine.ReshapeNDArray(h, dimensions)
	if err != nil {
		return nil, nativeErr("ReshapeNDArray", err)
	}
	return wrapNDArray[T](a.m, view), nil
}

// handleAndShape resolves the handle and queries the shape in one go, the
// prelude of the host-copy methods.
func (a *NDArray[T]) handleAndShape() (engines.ArrayHandle, shapes.Shape, error) {
	h, err := a.handle()
	if err != nil {
		return 0, shapes.Invalid(), err
	}
	shape, err := a.m.engine.NDArrayShape(h)
	if err != nil {
		return 0, shapes.Invalid(), nativeErr("NDArrayShape", err)
	}
	return h, shape, nil
}

// maxStringElements bounds how many elements String renders.
const maxStringElements = 16

// String implements fmt.Stringer: the shape followed by the flat contents,
// synchronizing first. Long arrays are truncated. Errors render inline.
func (a *NDArray[T]) String() string {
	shape, err := a.Shape()
	if err != nil {
		return fmt.Sprintf("NDArray[%v]", err)
	}
	data, err := a.Data()
	if err != nil {
		return fmt.Sprintf("NDArray%s[%v]", shape, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "NDArray%s: [", shape)
	for i, v := range data {
		if i == maxStringElements {
			fmt.Fprintf(&b, " ... (%d more)", len(data)-maxStringElements)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(formatElement(v))
	}
	b.WriteByte(']')
	return b.String()
}

// handlesOf extracts the engine handles of a slice of arrays, all of which
// must belong to m, wrapping failures with the role and position of the
// offending array.
func handlesOf[T Element](m *Manager, arrays []*NDArray[T], role string) ([]engines.ArrayHandle, error) {
	handles := make([]engines.ArrayHandle, len(arrays))
	for i, a := range arrays {
		h, err := a.handle()
		if err != nil {
			return nil, errors.Wrapf(err, "%s %d", role, i)
		}
		if a.m != m {
			return nil, consistencyf("%s %d belongs to a different Manager", role, i)
		}
		handles[i] = h
	}
	return handles, nil
}
