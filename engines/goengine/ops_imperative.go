package goengine

import (
	"github.com/gomlx/gomx/types/shapes"
	"github.com/pkg/errors"
)

// The imperative operators: applied directly to arrays through
// Engine.InvokeOperator, with no symbolic graph involved.

func init() {
	registerOp(&opDef{
		name:        "_set_value",
		description: "Fill the output array with the scalar given by the \"src\" keyword.",
		imperative:  scalarImperative(scalarSet, "src"),
	})
	registerOp(&opDef{
		name:            "_plus_scalar",
		description:     "Add the \"scalar\" keyword to every element.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      scalarImperative(scalarAdd, "scalar"),
	})
	registerOp(&opDef{
		name:            "_minus_scalar",
		description:     "Subtract the \"scalar\" keyword from every element.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      scalarImperative(scalarSub, "scalar"),
	})
	registerOp(&opDef{
		name:            "_rminus_scalar",
		description:     "Subtract every element from the \"scalar\" keyword.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      scalarImperative(scalarRSub, "scalar"),
	})
	registerOp(&opDef{
		name:            "_mul_scalar",
		description:     "Multiply every element by the \"scalar\" keyword.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      scalarImperative(scalarMul, "scalar"),
	})
	registerOp(&opDef{
		name:            "_div_scalar",
		description:     "Divide every element by the \"scalar\" keyword.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      scalarImperative(scalarDiv, "scalar"),
	})
	registerOp(&opDef{
		name:            "_copyto",
		description:     "Copy the input array into the output array of the same shape.",
		argNames:        []string{"data"},
		argDescriptions: []string{"Source array."},
		imperative:      copytoImperative,
	})
	registerOp(&opDef{
		name:            "broadcast_add",
		description:     "Elementwise sum with broadcasting.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		imperative:      broadcastImperative(binAdd),
	})
	registerOp(&opDef{
		name:            "broadcast_sub",
		description:     "Elementwise difference with broadcasting.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		imperative:      broadcastImperative(binSub),
	})
	registerOp(&opDef{
		name:            "broadcast_mul",
		description:     "Elementwise product with broadcasting.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		imperative:      broadcastImperative(binMul),
	})
	registerOp(&opDef{
		name:            "broadcast_div",
		description:     "Elementwise quotient with broadcasting.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		imperative:      broadcastImperative(binDiv),
	})
	registerOp(&opDef{
		name:            "broadcast_maximum",
		description:     "Elementwise maximum with broadcasting.",
		argNames:        []string{"lhs", "rhs"},
		argDescriptions: []string{"First operand.", "Second operand."},
		imperative:      broadcastImperative(binMax),
	})
}

// scalarImperative builds the imperative entry of one scalar operator: the
// output must match the input's shape (for scalarSet there is no input), and
// the scalar comes from the paramName keyword.
func scalarImperative(code scalarOpCode, paramName string) func(*Engine, attrs, []*array, []*array) (func() error, error) {
	return func(e *Engine, at attrs, inputs, outputs []*array) (func() error, error) {
		wantInputs := 1
		if code == scalarSet {
			wantInputs = 0
		}
		if len(inputs) != wantInputs || len(outputs) != 1 {
			return nil, errors.Errorf("expected %d input and 1 output array, got %d and %d", wantInputs, len(inputs), len(outputs))
		}
		scalar, err := at.requiredFloat(paramName)
		if err != nil {
			return nil, err
		}
		out := outputs[0]
		src := out
		if wantInputs == 1 {
			src = inputs[0]
			if !src.shape.Equal(out.shape) {
				return nil, errors.Errorf("input shape %s does not match output shape %s", src.shape, out.shape)
			}
		}
		if out.shape.Size() == 0 {
			return func() error { return nil }, nil
		}
		dtype, dstFlat, srcFlat := out.shape.DType, out.view(), src.view()
		return func() error {
			return e.dispatchScalarOp(dtype, dstFlat, srcFlat, scalar, code)
		}, nil
	}
}

// broadcastImperative builds the imperative entry of one broadcasting binary
// operator: the output must be pre-shaped to the broadcast of the two input
// shapes, and may alias an input of identical shape.
func broadcastImperative(code binOpCode) func(*Engine, attrs, []*array, []*array) (func() error, error) {
	return func(e *Engine, at attrs, inputs, outputs []*array) (func() error, error) {
		if len(inputs) != 2 || len(outputs) != 1 {
			return nil, errors.Errorf("expected 2 input and 1 output arrays, got %d and %d", len(inputs), len(outputs))
		}
		lhs, rhs, out := inputs[0], inputs[1], outputs[0]
		resShape, err := shapes.Broadcast(lhs.shape, rhs.shape)
		if err != nil {
			return nil, err
		}
		if !resShape.Equal(out.shape) {
			return nil, errors.Errorf("broadcasting %s with %s produces %s, but the output has shape %s", lhs.shape, rhs.shape, resShape, out.shape)
		}
		if out.shape.Size() == 0 {
			return func() error { return nil }, nil
		}
		aStrides := broadcastStrides(lhs.shape.Dimensions, resShape.Dimensions)
		bStrides := broadcastStrides(rhs.shape.Dimensions, resShape.Dimensions)
		dtype := out.shape.DType
		dstFlat, aFlat, bFlat := out.view(), lhs.view(), rhs.view()
		resDims := resShape.Dimensions
		return func() error {
			return e.dispatchBroadcastBinary(dtype, dstFlat, aFlat, bFlat, resDims, aStrides, bStrides, code)
		}, nil
	}
}

// copytoImperative copies one array into another of the same shape.
func copytoImperative(e *Engine, at attrs, inputs, outputs []*array) (func() error, error) {
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, errors.Errorf("expected 1 input and 1 output array, got %d and %d", len(inputs), len(outputs))
	}
	src, out := inputs[0], outputs[0]
	if !src.shape.Equal(out.shape) {
		return nil, errors.Errorf("input shape %s does not match output shape %s", src.shape, out.shape)
	}
	if out.shape.Size() == 0 || src.st == out.st {
		return func() error { return nil }, nil
	}
	dstFlat, srcFlat := out.view(), src.view()
	return func() error {
		copyFlat(dstFlat, srcFlat)
		return nil
	}, nil
}
