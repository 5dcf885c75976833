package goengine

import (
	"testing"

	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestNewNDArrayValidation(t *testing.T) {
	_, err := engine.NewNDArray(cpu0, shapes.Invalid(), false)
	require.ErrorContains(t, err, "invalid shape")

	_, err = engine.NewNDArray(cpu0, shapes.Shape{DType: dtypes.Float32, Dimensions: []int{2, 0}}, false)
	require.ErrorContains(t, err, "dimensions must be positive")
	_, err = engine.NewNDArray(cpu0, shapes.Shape{DType: dtypes.Float32, Dimensions: []int{-1}}, false)
	require.ErrorContains(t, err, "dimensions must be positive")

	_, err = engine.NewNDArray(cpu0, shapes.Make(dtypes.Bool, 2), false)
	require.ErrorContains(t, err, "does not support dtype")
}

func TestShapeAndDevice(t *testing.T) {
	h := newArrayOf(t, dtypes.Float32, 2, 3)

	shape, err := engine.NDArrayShape(h)
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float32, 2, 3)))

	// The returned shape is a copy: mutating it must not reach the engine.
	shape.Dimensions[0] = 99
	again, err := engine.NDArrayShape(h)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, again.Dimensions)

	dev, err := engine.NDArrayDevice(h)
	require.NoError(t, err)
	require.Equal(t, cpu0, dev)
}

func TestHostCopyRoundTrip(t *testing.T) {
	h := newArrayOf(t, dtypes.Float32, 2, 3)
	want := []float32{1, 2, 3, 4, 5, 6}
	writeFlat(t, h, want)
	require.Equal(t, want, readFlat[float32](t, h, 6))
}

func TestHostCopyValidation(t *testing.T) {
	h := newArrayOf(t, dtypes.Float32, 2)

	require.ErrorContains(t, engine.SyncCopyFromHost(h, nil), "is nil")
	require.ErrorContains(t, engine.SyncCopyFromHost(h, []float64{1, 2}), "does not match NDArray dtype")
	require.ErrorContains(t, engine.SyncCopyFromHost(h, []float32{1, 2, 3}), "has 3 elements")
	require.ErrorContains(t, engine.SyncCopyToHost(h, []float32{0}), "has 1 elements")
}

func TestNeverWrittenArray(t *testing.T) {
	h, err := engine.NewNDArray(cpu0, shapes.Make(dtypes.Float32, 3), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(h) })

	err = engine.SyncCopyToHost(h, make([]float32, 3))
	require.ErrorContains(t, err, "never written")
	_, err = engine.NDArrayRawData(h)
	require.ErrorContains(t, err, "never written")

	// The first write materializes the buffer and both start working.
	writeFlat(t, h, []float32{7, 8, 9})
	require.Equal(t, []float32{7, 8, 9}, readFlat[float32](t, h, 3))
	raw, err := engine.NDArrayRawData(h)
	require.NoError(t, err)
	require.Equal(t, []float32{7, 8, 9}, raw.([]float32))
}

func TestRawDataSharesStorage(t *testing.T) {
	h := f32Array(t, []int{3}, 1, 2, 3)
	require.NoError(t, engine.WaitToRead(h))

	raw, err := engine.NDArrayRawData(h)
	require.NoError(t, err)
	flat := raw.([]float32)
	require.Len(t, flat, 3)

	// The slice views the array's own storage, not a copy.
	flat[1] = 20
	require.Equal(t, []float32{1, 20, 3}, readFlat[float32](t, h, 3))
}

func TestEmptyShapeArray(t *testing.T) {
	h, err := engine.NewNDArray(cpu0, shapes.Empty(dtypes.Float32), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(h) })

	shape, err := engine.NDArrayShape(h)
	require.NoError(t, err)
	require.Equal(t, 0, shape.Rank())
	require.Equal(t, 0, shape.Size())

	// Empty arrays hold no elements: transfers are no-ops, the raw view is
	// an empty slice of the right element type.
	require.NoError(t, engine.SyncCopyFromHost(h, []float32{}))
	require.NoError(t, engine.SyncCopyToHost(h, []float32{}))
	raw, err := engine.NDArrayRawData(h)
	require.NoError(t, err)
	require.Empty(t, raw.([]float32))
}

func TestFreeNDArray(t *testing.T) {
	h := f32Array(t, []int{2}, 1, 2)
	require.NoError(t, engine.FreeNDArray(h))

	require.ErrorContains(t, engine.FreeNDArray(h), "already freed")
	_, err := engine.NDArrayShape(h)
	require.ErrorContains(t, err, "invalid NDArray handle")
	require.ErrorContains(t, engine.SyncCopyToHost(h, make([]float32, 2)), "invalid NDArray handle")
	require.ErrorContains(t, engine.WaitToRead(h), "invalid NDArray handle")
	require.ErrorContains(t, engine.WaitToWrite(h), "invalid NDArray handle")
}

func TestReshapeView(t *testing.T) {
	h := f32Array(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)

	v, err := engine.ReshapeNDArray(h, []int{3, 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(v) })
	require.NotEqual(t, h, v)

	shape, err := engine.NDArrayShape(v)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, shape.Dimensions)

	// Same storage, both ways.
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, readFlat[float32](t, v, 6))
	writeFlat(t, v, []float32{6, 5, 4, 3, 2, 1})
	require.Equal(t, []float32{6, 5, 4, 3, 2, 1}, readFlat[float32](t, h, 6))
}

func TestReshapePrefixView(t *testing.T) {
	h := f32Array(t, []int{6}, 1, 2, 3, 4, 5, 6)

	v, err := engine.ReshapeNDArray(h, []int{2, 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(v) })

	// The view covers the first 4 elements of the buffer.
	require.Equal(t, []float32{1, 2, 3, 4}, readFlat[float32](t, v, 4))
	writeFlat(t, v, []float32{10, 20, 30, 40})
	require.Equal(t, []float32{10, 20, 30, 40, 5, 6}, readFlat[float32](t, h, 6))
}

func TestReshapeValidation(t *testing.T) {
	h := f32Array(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)

	_, err := engine.ReshapeNDArray(h, []int{7})
	require.ErrorContains(t, err, "between 1 and 6 elements")
	_, err = engine.ReshapeNDArray(h, nil)
	require.ErrorContains(t, err, "between 1 and 6 elements")
	_, err = engine.ReshapeNDArray(h, []int{-1, 2})
	require.ErrorContains(t, err, "dimensions must be positive")

	require.NoError(t, engine.FreeNDArray(h))
	_, err = engine.ReshapeNDArray(h, []int{6})
	require.ErrorContains(t, err, "invalid NDArray handle")
}

func TestReshapeDelayedMaterializes(t *testing.T) {
	h, err := engine.NewNDArray(cpu0, shapes.Make(dtypes.Float32, 4), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(h) })

	v, err := engine.ReshapeNDArray(h, []int{2, 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(v) })

	// Writing through the view defines the original's contents too.
	writeFlat(t, v, []float32{1, 2, 3, 4})
	require.Equal(t, []float32{1, 2, 3, 4}, readFlat[float32](t, h, 4))
}

func TestSharedStorageOutlivesHandles(t *testing.T) {
	h := f32Array(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	v, err := engine.ReshapeNDArray(h, []int{6})
	require.NoError(t, err)

	// Freeing the original leaves the view readable.
	require.NoError(t, engine.FreeNDArray(h))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, readFlat[float32](t, v, 6))

	require.NoError(t, engine.FreeNDArray(v))
	require.ErrorContains(t, engine.FreeNDArray(v), "already freed")
}

func TestWaitsOnIdleArray(t *testing.T) {
	h := f32Array(t, []int{2}, 1, 2)
	require.NoError(t, engine.WaitToRead(h))
	require.NoError(t, engine.WaitToWrite(h))
	require.NoError(t, engine.WaitAll())
}
