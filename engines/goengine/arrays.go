package goengine

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gomx/types/xsync"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ engines.ArrayInterface = (*Engine)(nil)

// supportedDTypes the engine can store and compute with.
var supportedDTypes = []dtypes.DType{
	dtypes.Float16, dtypes.Float32, dtypes.Float64,
	dtypes.Int32, dtypes.Int64, dtypes.Uint8,
}

// storage is the flat buffer arrays reference. Reshape views and executor
// output aliases of one array share a storage; its buffer is released when
// the last referencing array is freed.
//
// The fields below flat are guarded by Engine.mu. flat itself is set once,
// when the storage is materialized, and the slice header is never changed
// afterwards.
type storage struct {
	dtype dtypes.DType
	flat  any // slice of dtype from the buffer pools; nil until materialized

	refs      int
	lastWrite *xsync.Latch
	readers   []*xsync.Latch
	err       error
}

// array is one engine-side NDArray: a device, a shape and a reference to a
// storage.
type array struct {
	h     engines.ArrayHandle
	dev   engines.Device
	shape shapes.Shape
	st    *storage
}

// view returns the slice of the storage covered by the array's shape.
// Reshape views may cover a prefix of a larger shared buffer.
func (a *array) view() any {
	if a.st.flat == nil {
		return nil
	}
	size := a.shape.Size()
	if size == flatLength(a.st.flat) {
		return a.st.flat
	}
	return reflect.ValueOf(a.st.flat).Slice(0, size).Interface()
}

// newArrayLocked registers a fresh array with its own storage. With delayed
// set, or for an empty shape, no buffer is allocated yet. e.mu must be held.
func (e *Engine) newArrayLocked(dev engines.Device, shape shapes.Shape, delayed bool) *array {
	a := &array{
		h:     engines.ArrayHandle(e.newHandleLocked()),
		dev:   dev,
		shape: shape.Clone(),
		st:    &storage{dtype: shape.DType, refs: 1},
	}
	if !delayed {
		e.materializeLocked(a)
	}
	e.arrays[a.h] = a
	return a
}

// aliasLocked registers a fresh array sharing the storage of src, shaped by
// shape. e.mu must be held.
func (e *Engine) aliasLocked(src *array, shape shapes.Shape) *array {
	src.st.refs++
	a := &array{
		h:     engines.ArrayHandle(e.newHandleLocked()),
		dev:   src.dev,
		shape: shape.Clone(),
		st:    src.st,
	}
	e.arrays[a.h] = a
	return a
}

// materializeLocked allocates the storage buffer if the array's shape calls
// for one and it doesn't exist yet. e.mu must be held.
func (e *Engine) materializeLocked(a *array) {
	if a.st.flat == nil && a.shape.Size() > 0 {
		a.st.flat = e.getFlat(a.shape.DType, a.shape.Size())
	}
}

// releaseStorageLocked drops one reference; the last drop returns the buffer
// to the pool. A buffer with operations still pending is left to the garbage
// collector instead: the operation closures keep it alive. e.mu must be held.
func (e *Engine) releaseStorageLocked(st *storage) {
	st.refs--
	if st.refs < 0 {
		exceptions.Panicf("engine (%s): storage released more often than referenced", EngineName)
	}
	if st.refs > 0 {
		return
	}
	if st.flat != nil && st.lastWrite == nil && len(st.readers) == 0 {
		e.putFlat(st.dtype, st.flat)
	}
	st.flat = nil
}

// lookupArray resolves the handle under e.mu.
func (e *Engine) lookupArray(h engines.ArrayHandle) (*array, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupArrayLocked(h)
}

func (e *Engine) lookupArrayLocked(h engines.ArrayHandle) (*array, error) {
	a, found := e.arrays[h]
	if !found {
		return nil, errors.Errorf("invalid NDArray handle %#x: unknown to engine (%s), or already freed", uintptr(h), EngineName)
	}
	return a, nil
}

// NewNDArray allocates an array of the given shape on the given device.
func (e *Engine) NewNDArray(dev engines.Device, shape shapes.Shape, delayedAllocation bool) (engines.ArrayHandle, error) {
	if err := e.checkDevice(dev); err != nil {
		return 0, err
	}
	if !shape.Ok() {
		return 0, errors.Errorf("cannot create NDArray with invalid shape")
	}
	for _, dim := range shape.Dimensions {
		if dim <= 0 {
			return 0, errors.Errorf("cannot create NDArray of shape %s: dimensions must be positive", shape)
		}
	}
	if !slices.Contains(supportedDTypes, shape.DType) {
		return 0, errors.Errorf("engine (%s) does not support dtype %s", EngineName, shape.DType)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return 0, errors.Errorf("engine (%s) is shut down, no new work accepted", EngineName)
	}
	return e.newArrayLocked(dev, shape, delayedAllocation).h, nil
}

// FreeNDArray releases the array. Storage shared with reshape views or
// executor output aliases stays alive until the last of them is freed.
func (e *Engine) FreeNDArray(h engines.ArrayHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.lookupArrayLocked(h)
	if err != nil {
		return err
	}
	delete(e.arrays, h)
	e.releaseStorageLocked(a.st)
	return nil
}

// NDArrayShape returns the shape of the array. It never blocks: shapes are
// metadata, not data.
func (e *Engine) NDArrayShape(h engines.ArrayHandle) (shapes.Shape, error) {
	a, err := e.lookupArray(h)
	if err != nil {
		return shapes.Invalid(), err
	}
	return a.shape.Clone(), nil
}

// NDArrayDevice returns the device the array lives on.
func (e *Engine) NDArrayDevice(h engines.ArrayHandle) (engines.Device, error) {
	a, err := e.lookupArray(h)
	if err != nil {
		return engines.Device{}, err
	}
	return a.dev, nil
}

// checkHostFlat validates a host flat slice against the array's dtype and
// size for a host transfer.
func checkHostFlat(a *array, flat any) error {
	if flat == nil {
		return errors.Errorf("host flat slice is nil for NDArray of shape %s", a.shape)
	}
	if flatDType(flat) != a.shape.DType {
		return errors.Errorf("host flat slice type %s does not match NDArray dtype %s", reflect.TypeOf(flat).Elem(), a.shape.DType)
	}
	if flatLength(flat) != a.shape.Size() {
		return errors.Errorf("host flat slice has %d elements, NDArray of shape %s has %d", flatLength(flat), a.shape, a.shape.Size())
	}
	return nil
}

// SyncCopyFromHost copies flat into the array, blocking until pending reads
// and writes of the array completed first.
func (e *Engine) SyncCopyFromHost(h engines.ArrayHandle, flat any) error {
	e.mu.Lock()
	a, err := e.lookupArrayLocked(h)
	if err == nil {
		err = checkHostFlat(a, flat)
	}
	if err == nil {
		e.materializeLocked(a)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if a.shape.Size() == 0 {
		return nil
	}
	if err = e.waitWrite(a.st); err != nil {
		return err
	}
	copyFlat(a.view(), flat)
	return nil
}

// SyncCopyToHost copies the array into flat, blocking until pending writes
// to the array completed first.
func (e *Engine) SyncCopyToHost(h engines.ArrayHandle, flat any) error {
	e.mu.Lock()
	a, err := e.lookupArrayLocked(h)
	if err == nil {
		err = checkHostFlat(a, flat)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if a.shape.Size() == 0 {
		return nil
	}
	if a.st.flat == nil {
		return errors.Errorf("NDArray of shape %s was never written, nothing to copy to host", a.shape)
	}
	if err = e.waitRead(a.st); err != nil {
		return err
	}
	copyFlat(flat, a.view())
	return nil
}

// NDArrayRawData returns a slice pointing directly at the array's storage.
// The caller must have synchronized with WaitToRead first.
func (e *Engine) NDArrayRawData(h engines.ArrayHandle) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.lookupArrayLocked(h)
	if err != nil {
		return nil, err
	}
	if a.st.flat == nil {
		if a.shape.Size() > 0 {
			return nil, errors.Errorf("NDArray of shape %s was never written, no data to view", a.shape)
		}
		return reflect.MakeSlice(reflect.SliceOf(a.shape.DType.GoType()), 0, 0).Interface(), nil
	}
	return a.view(), nil
}

// WaitToRead blocks until all pending writes to the array completed.
func (e *Engine) WaitToRead(h engines.ArrayHandle) error {
	a, err := e.lookupArray(h)
	if err != nil {
		return err
	}
	return e.waitRead(a.st)
}

// WaitToWrite blocks until all pending reads and writes of the array
// completed.
func (e *Engine) WaitToWrite(h engines.ArrayHandle) error {
	a, err := e.lookupArray(h)
	if err != nil {
		return err
	}
	return e.waitWrite(a.st)
}

// WaitAll blocks until every operation enqueued on the engine completed.
func (e *Engine) WaitAll() error {
	e.sched.waitAll()
	return nil
}

// ReshapeNDArray returns a new handle viewing the same storage with the
// given dimensions. A delayed-allocation array is materialized first, so
// that the buffer is sized for the original shape.
func (e *Engine) ReshapeNDArray(h engines.ArrayHandle, dimensions []int) (engines.ArrayHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, err := e.lookupArrayLocked(h)
	if err != nil {
		return 0, err
	}
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			return 0, errors.Errorf("cannot reshape %s to dimensions %v: dimensions must be positive", a.shape, dimensions)
		}
		size *= dim
	}
	if len(dimensions) == 0 || size > a.shape.Size() {
		return 0, errors.Errorf("cannot reshape %s to dimensions %v: the view must have between 1 and %d elements", a.shape, dimensions, a.shape.Size())
	}
	e.materializeLocked(a)
	newShape := shapes.Shape{DType: a.shape.DType, Dimensions: slices.Clone(dimensions)}
	return e.aliasLocked(a, newShape).h, nil
}
