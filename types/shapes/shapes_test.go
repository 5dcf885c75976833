package shapes

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	empty := Empty(Float64)
	require.True(t, empty.Ok())
	require.True(t, empty.IsEmpty())
	require.Equal(t, 0, empty.Rank())
	require.Equal(t, 0, empty.Size())
	require.Equal(t, 0, int(empty.Memory()))
	require.Equal(t, "(Float64)", empty.String())

	shape := Make(Float32, 4, 3, 2)
	require.True(t, shape.Ok())
	require.False(t, shape.IsEmpty())
	require.Equal(t, 3, shape.Rank())
	require.Len(t, shape.Dimensions, 3)
	require.Equal(t, 4*3*2, shape.Size())
	require.Equal(t, 4*4*3*2, int(shape.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape.String())

	require.Panics(t, func() { Make(Float32, 4, 0, 2) })
	require.Panics(t, func() { Make(Float32, -1) })

	require.True(t, shape.Equal(Make(Float32, 4, 3, 2)))
	require.False(t, shape.Equal(Make(Float64, 4, 3, 2)))
	require.False(t, shape.Equal(Make(Float32, 4, 3)))
	require.True(t, shape.EqualDimensions(Make(Float64, 4, 3, 2)))

	clone := shape.Clone()
	clone.Dimensions[0] = 7
	require.Equal(t, 4, shape.Dimensions[0])
}

func TestDim(t *testing.T) {
	shape := Make(Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestBroadcast(t *testing.T) {
	// Unit shape [1] broadcasts against anything.
	got, err := Broadcast(Make(Float32, 1), Make(Float32, 5, 6))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(Float32, 5, 6)))
	got, err = Broadcast(Make(Float32, 5, 6), Make(Float32, 1))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(Float32, 5, 6)))

	// Equal ranks: 1-sized axes expand to match the other side.
	got, err = Broadcast(Make(Float32, 1, 6, 1, 8), Make(Float32, 5, 1, 7, 1))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(Float32, 5, 6, 7, 8)))

	// Equal shapes broadcast to themselves.
	got, err = Broadcast(Make(Int32, 2, 3), Make(Int32, 2, 3))
	require.NoError(t, err)
	require.True(t, got.Equal(Make(Int32, 2, 3)))

	// Mismatched dtypes.
	_, err = Broadcast(Make(Float32, 2), Make(Float64, 2))
	require.Error(t, err)

	// Mismatched ranks without a unit side.
	_, err = Broadcast(Make(Float32, 2, 3), Make(Float32, 3))
	require.Error(t, err)

	// Both sides >1 on the same axis.
	_, err = Broadcast(Make(Float32, 2, 3), Make(Float32, 2, 4))
	require.Error(t, err)
}
