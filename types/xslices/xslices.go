// Package xslices provides the few generic slice helpers the engine and the
// binding layer share.
package xslices

import "golang.org/x/exp/constraints"

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	// Doubling copy beats the naive loop for large slices.
	if len(slice) == 0 {
		return
	}
	slice[0] = value
	for filled := 1; filled < len(slice); filled *= 2 {
		copy(slice[filled:], slice[:filled])
	}
}

// Iota returns a slice of incremental values, starting with start and of
// length len. Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element of in, and
// returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
