// Package shapes defines Shape, the element type (DType) and dimensions
// descriptor shared by NDArrays and symbolic graph nodes.
//
// A Shape pairs a DType -- the data type of the unit element, an enumeration
// defined in github.com/gomlx/gopjrt/dtypes -- with the dimension of each
// axis. An empty shape (no dimensions) describes an array whose storage has
// not been defined yet; it holds no elements.
//
// Example: the multi-dimensional array `[][]int32{{0, 1, 2}, {3, 4, 5}}`
// stored as an NDArray has shape `(Int32)[2 3]`: rank 2, axis 0 with
// dimension 2 and axis 1 with dimension 3. This shape could be created with
// `shapes.Make(dtypes.Int32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape describes the element type and the dimensions of an NDArray or of
// the value produced by a graph node.
//
// Use Make to create a new shape.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the given element type and dimensions.
// All dimensions must be positive; use Empty for the no-dimensions shape.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Empty returns the shape with the given element type and no dimensions.
// Empty shapes hold no elements; they describe arrays whose storage the
// engine has not materialized yet.
func Empty(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape. The zero value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsEmpty reports whether the shape has no dimensions, and therefore holds
// no elements.
func (s Shape) IsEmpty() bool { return len(s.Dimensions) == 0 }

// IsUnit reports whether this is the singleton shape [1], the shape that
// broadcasts against every other shape.
func (s Shape) IsUnit() bool { return len(s.Dimensions) == 1 && s.Dimensions[0] == 1 }

// Dim returns the dimension of the given axis. axis can take negative
// numbers, in which case it counts from the end -- so axis=-1 refers to the
// last axis. Like slice indexing, it panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.IsEmpty() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements the shape holds: the product of all
// dimensions. An empty shape holds no elements, so its size is 0 -- not 1.
func (s Shape) Size() int {
	if s.IsEmpty() {
		return 0
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store an array of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions only;
// dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Broadcast returns the shape produced by a binary elementwise operator
// applied to operands of shapes a and b.
//
// Either side may be the singleton shape [1], which broadcasts against every
// element of the other side. Otherwise both sides must have equal rank, and
// on every axis where both dimensions are larger than 1 they must be equal;
// an axis with dimension 1 is expanded -- without materialization -- to
// match the other side. The resulting dimension on each axis is the larger
// of the two.
func Broadcast(a, b Shape) (Shape, error) {
	if a.DType != b.DType {
		return Invalid(), errors.Errorf("cannot broadcast %s with %s: element types differ", a, b)
	}
	if a.IsUnit() {
		return b.Clone(), nil
	}
	if b.IsUnit() {
		return a.Clone(), nil
	}
	if a.Rank() != b.Rank() {
		return Invalid(), errors.Errorf("cannot broadcast %s with %s: ranks differ and neither side is the unit shape [1]", a, b)
	}
	result := Shape{DType: a.DType, Dimensions: make([]int, a.Rank())}
	for axis, da := range a.Dimensions {
		db := b.Dimensions[axis]
		if da != db && da > 1 && db > 1 {
			return Invalid(), errors.Errorf("cannot broadcast %s with %s: axis %d has incompatible dimensions %d and %d", a, b, axis, da, db)
		}
		result.Dimensions[axis] = max(da, db)
	}
	return result, nil
}
