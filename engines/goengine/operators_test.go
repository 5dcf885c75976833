package goengine

import (
	"testing"

	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestScalarOperatorFamily(t *testing.T) {
	h := newArrayOf(t, dtypes.Float32, 4)
	out := []engines.ArrayHandle{h}
	inPlace := []engines.ArrayHandle{h}

	require.NoError(t, invokeOp(t, "_set_value", nil, out, "src", "2.5"))
	require.Equal(t, []float32{2.5, 2.5, 2.5, 2.5}, readFlat[float32](t, h, 4))

	require.NoError(t, invokeOp(t, "_plus_scalar", inPlace, out, "scalar", "1"))
	require.Equal(t, []float32{3.5, 3.5, 3.5, 3.5}, readFlat[float32](t, h, 4))

	require.NoError(t, invokeOp(t, "_minus_scalar", inPlace, out, "scalar", "0.5"))
	require.Equal(t, []float32{3, 3, 3, 3}, readFlat[float32](t, h, 4))

	require.NoError(t, invokeOp(t, "_rminus_scalar", inPlace, out, "scalar", "10"))
	require.Equal(t, []float32{7, 7, 7, 7}, readFlat[float32](t, h, 4))

	require.NoError(t, invokeOp(t, "_mul_scalar", inPlace, out, "scalar", "2"))
	require.Equal(t, []float32{14, 14, 14, 14}, readFlat[float32](t, h, 4))

	require.NoError(t, invokeOp(t, "_div_scalar", inPlace, out, "scalar", "4"))
	require.Equal(t, []float32{3.5, 3.5, 3.5, 3.5}, readFlat[float32](t, h, 4))
}

func TestScalarOperatorSeparateOutput(t *testing.T) {
	a := f32Array(t, []int{2}, 1, 2)
	b := newArrayOf(t, dtypes.Float32, 2)

	err := invokeOp(t, "_plus_scalar", []engines.ArrayHandle{a}, []engines.ArrayHandle{b}, "scalar", "10")
	require.NoError(t, err)
	require.Equal(t, []float32{11, 12}, readFlat[float32](t, b, 2))
	require.Equal(t, []float32{1, 2}, readFlat[float32](t, a, 2))
}

func TestScalarOperatorOtherDTypes(t *testing.T) {
	i := newArrayOf(t, dtypes.Int32, 3)
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{i}, "src", "7"))
	require.NoError(t, invokeOp(t, "_div_scalar", []engines.ArrayHandle{i}, []engines.ArrayHandle{i}, "scalar", "2"))
	require.Equal(t, []int32{3, 3, 3}, readFlat[int32](t, i, 3)) // integer division truncates

	u := newArrayOf(t, dtypes.Uint8, 2)
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{u}, "src", "7"))
	require.NoError(t, invokeOp(t, "_mul_scalar", []engines.ArrayHandle{u}, []engines.ArrayHandle{u}, "scalar", "2"))
	require.Equal(t, []uint8{14, 14}, readFlat[uint8](t, u, 2))

	f := newArrayOf(t, dtypes.Float16, 2)
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{f}, "src", "1.5"))
	require.NoError(t, invokeOp(t, "_plus_scalar", []engines.ArrayHandle{f}, []engines.ArrayHandle{f}, "scalar", "0.25"))
	got := readFlat[float16.Float16](t, f, 2)
	require.Equal(t, float32(1.75), got[0].Float32())
	require.Equal(t, float32(1.75), got[1].Float32())
}

func TestScalarOperatorValidation(t *testing.T) {
	a := f32Array(t, []int{2}, 1, 2)
	b := newArrayOf(t, dtypes.Float32, 3)

	err := invokeOp(t, "_plus_scalar", []engines.ArrayHandle{a}, []engines.ArrayHandle{a})
	require.ErrorContains(t, err, `missing required keyword "scalar"`)

	err = invokeOp(t, "_plus_scalar", []engines.ArrayHandle{a}, []engines.ArrayHandle{a}, "scalar", "abc")
	require.ErrorContains(t, err, "cannot parse")

	err = invokeOp(t, "_plus_scalar", nil, []engines.ArrayHandle{a}, "scalar", "1")
	require.ErrorContains(t, err, "expected 1 input and 1 output array")

	err = invokeOp(t, "_plus_scalar", []engines.ArrayHandle{a}, []engines.ArrayHandle{b}, "scalar", "1")
	require.ErrorContains(t, err, "does not match output shape")
}

func TestCopyTo(t *testing.T) {
	a := f32Array(t, []int{2, 2}, 1, 2, 3, 4)
	b := newArrayOf(t, dtypes.Float32, 2, 2)

	require.NoError(t, invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{b}))
	require.Equal(t, []float32{1, 2, 3, 4}, readFlat[float32](t, b, 4))

	// Copying an array onto itself is a no-op.
	require.NoError(t, invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{a}))
	require.Equal(t, []float32{1, 2, 3, 4}, readFlat[float32](t, a, 4))

	c := newArrayOf(t, dtypes.Float32, 3)
	err := invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{c})
	require.ErrorContains(t, err, "does not match output shape")

	d := newArrayOf(t, dtypes.Int32, 2, 2)
	err = invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{d})
	require.ErrorContains(t, err, "does not match output shape")
}

func TestInvokeValidation(t *testing.T) {
	a := f32Array(t, []int{2}, 1, 2)

	// Symbolic-only operators cannot be applied imperatively.
	err := invokeOp(t, "dot", []engines.ArrayHandle{a, a}, []engines.ArrayHandle{a})
	require.ErrorContains(t, err, "cannot be invoked imperatively")

	// Freed arrays are rejected synchronously.
	freed := f32Array(t, []int{2}, 1, 2)
	require.NoError(t, engine.FreeNDArray(freed))
	err = invokeOp(t, "_set_value", nil, []engines.ArrayHandle{freed}, "src", "0")
	require.ErrorContains(t, err, "invalid NDArray handle")

	// Mismatched keyword keys and values are rejected.
	err = engine.InvokeOperator(operatorHandle(t, "_set_value"),
		nil, []engines.ArrayHandle{a}, []string{"src"}, nil)
	require.ErrorContains(t, err, "got 1 keyword keys but 0 values")
}

func TestInvokeNeverWrittenInput(t *testing.T) {
	h, err := engine.NewNDArray(cpu0, shapes.Make(dtypes.Float32, 2), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.FreeNDArray(h) })

	err = invokeOp(t, "_plus_scalar", []engines.ArrayHandle{h}, []engines.ArrayHandle{h}, "scalar", "1")
	require.ErrorContains(t, err, "never written")

	b := f32Array(t, []int{2}, 1, 2)
	err = invokeOp(t, "broadcast_add", []engines.ArrayHandle{b, h}, []engines.ArrayHandle{b})
	require.ErrorContains(t, err, "input 1")
	require.ErrorContains(t, err, "never written")
}

func TestBroadcastUnitShape(t *testing.T) {
	a := f32Array(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	b := f32Array(t, []int{1}, 10)
	out := newArrayOf(t, dtypes.Float32, 2, 3)

	require.NoError(t, invokeOp(t, "broadcast_add", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{out}))
	require.Equal(t, []float32{11, 12, 13, 14, 15, 16}, readFlat[float32](t, out, 6))

	require.NoError(t, invokeOp(t, "broadcast_sub", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{out}))
	require.Equal(t, []float32{-9, -8, -7, -6, -5, -4}, readFlat[float32](t, out, 6))
}

func TestBroadcastInPlace(t *testing.T) {
	a := f32Array(t, []int{2, 2}, 1, 2, 3, 4)
	b := f32Array(t, []int{1}, 10)

	// The output may alias an input of the full broadcast shape.
	require.NoError(t, invokeOp(t, "broadcast_mul", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{a}))
	require.Equal(t, []float32{10, 20, 30, 40}, readFlat[float32](t, a, 4))
}

func TestBroadcastMaximum(t *testing.T) {
	a := f32Array(t, []int{3}, -1, 5, 0.5)
	b := f32Array(t, []int{1}, 0)
	out := newArrayOf(t, dtypes.Float32, 3)

	require.NoError(t, invokeOp(t, "broadcast_maximum", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{out}))
	require.Equal(t, []float32{0, 5, 0.5}, readFlat[float32](t, out, 3))
}

func TestBroadcastExpansion(t *testing.T) {
	// [1,6,1,8] x [5,1,7,1] broadcasts to [5,6,7,8], expanding every axis
	// on one side or the other.
	aFlat := make([]float32, 6*8)
	for i := range aFlat {
		aFlat[i] = float32(i + 1)
	}
	bFlat := make([]float32, 5*7)
	for i := range bFlat {
		bFlat[i] = float32(2*i + 1)
	}
	a := f32Array(t, []int{1, 6, 1, 8}, aFlat...)
	b := f32Array(t, []int{5, 1, 7, 1}, bFlat...)
	out := newArrayOf(t, dtypes.Float32, 5, 6, 7, 8)

	require.NoError(t, invokeOp(t, "broadcast_mul", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{out}))

	want := make([]float32, 5*6*7*8)
	for i := 0; i < 5; i++ {
		for j := 0; j < 6; j++ {
			for k := 0; k < 7; k++ {
				for l := 0; l < 8; l++ {
					want[((i*6+j)*7+k)*8+l] = aFlat[j*8+l] * bFlat[i*7+k]
				}
			}
		}
	}
	require.Equal(t, want, readFlat[float32](t, out, len(want)))
}

func TestBroadcastFloat16(t *testing.T) {
	a := newArrayOf(t, dtypes.Float16, 2)
	writeFlat(t, a, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(2.5)})
	b := newArrayOf(t, dtypes.Float16, 1)
	writeFlat(t, b, []float16.Float16{float16.Fromfloat32(0.5)})
	out := newArrayOf(t, dtypes.Float16, 2)

	require.NoError(t, invokeOp(t, "broadcast_add", []engines.ArrayHandle{a, b}, []engines.ArrayHandle{out}))
	got := readFlat[float16.Float16](t, out, 2)
	require.Equal(t, float32(2), got[0].Float32())
	require.Equal(t, float32(3), got[1].Float32())
}

func TestBroadcastValidation(t *testing.T) {
	a := f32Array(t, []int{2, 3}, 1, 2, 3, 4, 5, 6)
	b := f32Array(t, []int{3}, 1, 2, 3)
	c := f32Array(t, []int{2, 4}, 1, 2, 3, 4, 5, 6, 7, 8)
	d := newArrayOf(t, dtypes.Float64, 2, 3)
	writeFlat(t, d, make([]float64, 6))
	out := newArrayOf(t, dtypes.Float32, 2, 3)
	handles := func(hs ...engines.ArrayHandle) []engines.ArrayHandle { return hs }

	err := invokeOp(t, "broadcast_add", handles(a, b), handles(out))
	require.ErrorContains(t, err, "ranks differ")

	err = invokeOp(t, "broadcast_add", handles(a, c), handles(out))
	require.ErrorContains(t, err, "incompatible dimensions")

	err = invokeOp(t, "broadcast_add", handles(a, d), handles(out))
	require.ErrorContains(t, err, "element types differ")

	small := newArrayOf(t, dtypes.Float32, 2)
	err = invokeOp(t, "broadcast_add", handles(a, a), handles(small))
	require.ErrorContains(t, err, "but the output has shape")

	// Validation failures are synchronous: nothing was enqueued, the output
	// carries no sticky error.
	require.NoError(t, engine.WaitToRead(out))
}

func TestAsyncFailureSticksUntilRewritten(t *testing.T) {
	h := newArrayOf(t, dtypes.Int32, 2)
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{h}, "src", "6"))

	// Integer division by zero fails inside the asynchronous kernel: the
	// invocation itself succeeds, the error surfaces at synchronization.
	require.NoError(t, invokeOp(t, "_div_scalar", []engines.ArrayHandle{h}, []engines.ArrayHandle{h}, "scalar", "0"))
	require.ErrorContains(t, engine.WaitToRead(h), "divide by zero")

	// The error sticks across synchronizations...
	require.ErrorContains(t, engine.WaitToRead(h), "divide by zero")
	require.ErrorContains(t, engine.SyncCopyToHost(h, make([]int32, 2)), "divide by zero")

	// ...until a later write completes successfully.
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{h}, "src", "5"))
	require.NoError(t, engine.WaitToRead(h))
	require.Equal(t, []int32{5, 5}, readFlat[int32](t, h, 2))
}

func TestOperationOrdering(t *testing.T) {
	h := f32Array(t, []int{1}, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, invokeOp(t, "_plus_scalar", []engines.ArrayHandle{h}, []engines.ArrayHandle{h}, "scalar", "1"))
	}
	require.Equal(t, []float32{100}, readFlat[float32](t, h, 1))
}

func TestReadersRunBeforeLaterWriter(t *testing.T) {
	a := f32Array(t, []int{1}, 1)
	b := newArrayOf(t, dtypes.Float32, 1)
	c := newArrayOf(t, dtypes.Float32, 1)

	require.NoError(t, invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{b}))
	require.NoError(t, invokeOp(t, "_copyto", []engines.ArrayHandle{a}, []engines.ArrayHandle{c}))
	require.NoError(t, invokeOp(t, "_set_value", nil, []engines.ArrayHandle{a}, "src", "9"))

	// Both copies read the value from before the overwrite.
	require.Equal(t, []float32{1}, readFlat[float32](t, b, 1))
	require.Equal(t, []float32{1}, readFlat[float32](t, c, 1))
	require.Equal(t, []float32{9}, readFlat[float32](t, a, 1))
}
