package goengine

import (
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (e *Engine) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := e.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = e.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getFlat returns a flat slice of the given dtype and length from the engine
// pool of buffers. Its contents are undefined: pooled slices keep whatever
// they last held.
func (e *Engine) getFlat(dtype dtypes.DType, length int) any {
	if length <= 0 {
		exceptions.Panicf("getFlat(%s, %d): flat buffers must have at least one element", dtype, length)
	}
	return e.getBufferPool(dtype, length).Get()
}

// putFlat returns a flat slice to the engine pool of buffers. After this any
// references to it should be dropped.
func (e *Engine) putFlat(dtype dtypes.DType, flat any) {
	if flat == nil {
		return
	}
	e.getBufferPool(dtype, flatLength(flat)).Put(flat)
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// flatLength returns the number of elements of a flat slice of any supported
// dtype.
func flatLength(flat any) int {
	return reflect.ValueOf(flat).Len()
}

// flatDType returns the dtype corresponding to the element type of the flat
// slice given.
func flatDType(flat any) dtypes.DType {
	return dtypes.FromGoType(reflect.TypeOf(flat).Elem())
}
