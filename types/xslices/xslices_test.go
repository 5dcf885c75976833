package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFillSlice(t *testing.T) {
	for _, size := range []int{0, 1, 2, 7, 1024} {
		slice := make([]float32, size)
		FillSlice(slice, 3.5)
		for ii, v := range slice {
			assert.Equalf(t, float32(3.5), v, "element %d doesn't match for size %d", ii, size)
		}
	}
}

func TestIota(t *testing.T) {
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Equal(t, []int32{7, 8, 9}, Iota(int32(7), 3))
	assert.Empty(t, Iota(0, 0))
}

func TestMap(t *testing.T) {
	count := 17
	in := make([]int, count)
	for ii := 0; ii < count; ii++ {
		in[ii] = ii
	}
	out := Map(in, func(v int) int32 { return int32(v + 1) })
	for ii := 0; ii < count; ii++ {
		assert.Equalf(t, int32(ii+1), out[ii], "element %d doesn't match", ii)
	}
}
