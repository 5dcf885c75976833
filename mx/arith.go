package mx

import "github.com/gomlx/gomx/engines"

// Imperative arithmetic on NDArrays. Everything here delegates to an engine
// operator through the Manager's registry: the engine enqueues the work and
// it becomes visible once the output array is synchronized. All operations
// are defined to be safe when the output aliases an input (in-place
// evaluation).

// scalarOp invokes op writing into a, passing the scalar under key.
func scalarOp[T Element](a *NDArray[T], op, key string, v float64, withInput bool) error {
	h, err := a.handle()
	if err != nil {
		return err
	}
	outputs := []engines.ArrayHandle{h}
	var inputs []engines.ArrayHandle
	if withInput {
		inputs = outputs
	}
	err = a.m.engine.InvokeOperator(a.m.opHandle(op), inputs, outputs, []string{key}, []string{formatScalar(v)})
	return nativeErr(op, err)
}

// SetAll fills every element of the array with v, converted to the array's
// element type.
func (a *NDArray[T]) SetAll(v float64) error {
	return scalarOp(a, "_set_value", "src", v, false)
}

// AddScalar adds v to every element, in place.
func (a *NDArray[T]) AddScalar(v float64) error {
	return scalarOp(a, "_plus_scalar", "scalar", v, true)
}

// SubScalar subtracts v from every element, in place.
func (a *NDArray[T]) SubScalar(v float64) error {
	return scalarOp(a, "_minus_scalar", "scalar", v, true)
}

// RSubScalar replaces every element x with v-x, in place.
func (a *NDArray[T]) RSubScalar(v float64) error {
	return scalarOp(a, "_rminus_scalar", "scalar", v, true)
}

// MulScalar multiplies every element by v, in place.
func (a *NDArray[T]) MulScalar(v float64) error {
	return scalarOp(a, "_mul_scalar", "scalar", v, true)
}

// DivScalar divides every element by v, in place.
func (a *NDArray[T]) DivScalar(v float64) error {
	return scalarOp(a, "_div_scalar", "scalar", v, true)
}

// CopyInto copies the array into dst, which must have the same shape. The
// copy runs on the engine; synchronize dst to observe it.
func (a *NDArray[T]) CopyInto(dst *NDArray[T]) error {
	h, err := a.handle()
	if err != nil {
		return err
	}
	dstH, err := dst.handle()
	if err != nil {
		return err
	}
	if dst.m != a.m {
		return consistencyf("copy destination belongs to a different Manager")
	}
	err = a.m.engine.InvokeOperator(a.m.opHandle("_copyto"),
		[]engines.ArrayHandle{h}, []engines.ArrayHandle{dstH}, nil, nil)
	return nativeErr("_copyto", err)
}

// broadcastOp invokes the binary broadcasting operator op with dst = a ⊙ b.
func broadcastOp[T Element](op string, dst, a, b *NDArray[T]) error {
	dstH, err := dst.handle()
	if err != nil {
		return err
	}
	m := dst.m
	handles, err := handlesOf(m, []*NDArray[T]{a, b}, "input")
	if err != nil {
		return err
	}
	err = m.engine.InvokeOperator(m.opHandle(op), handles, []engines.ArrayHandle{dstH}, nil, nil)
	return nativeErr(op, err)
}

// The binary elementwise functions follow the engine's broadcasting rule:
// either side may be the singleton shape [1], which broadcasts against
// every element of the other; otherwise both sides must have equal rank,
// and on every axis where both dimensions exceed 1 they must be equal -- an
// axis with dimension 1 is expanded, without materialization, to match the
// other side. The caller supplies dst pre-shaped to the elementwise maximum
// of the two input shapes; dst may be a, b or both.

// Add computes dst = a + b elementwise, broadcasting.
func Add[T Element](dst, a, b *NDArray[T]) error {
	return broadcastOp("broadcast_add", dst, a, b)
}

// Sub computes dst = a - b elementwise, broadcasting.
func Sub[T Element](dst, a, b *NDArray[T]) error {
	return broadcastOp("broadcast_sub", dst, a, b)
}

// Mul computes dst = a * b elementwise, broadcasting.
func Mul[T Element](dst, a, b *NDArray[T]) error {
	return broadcastOp("broadcast_mul", dst, a, b)
}

// Div computes dst = a / b elementwise, broadcasting.
func Div[T Element](dst, a, b *NDArray[T]) error {
	return broadcastOp("broadcast_div", dst, a, b)
}

// Maximum computes dst = max(a, b) elementwise, broadcasting.
func Maximum[T Element](dst, a, b *NDArray[T]) error {
	return broadcastOp("broadcast_maximum", dst, a, b)
}

// Invoke applies the named operator imperatively: inputs are read, outputs
// are written -- an output may be one of the inputs -- and kv carries the
// operator's keyword parameters as alternating key, value strings. It
// panics for operator names the engine does not provide.
func Invoke[T Element](m *Manager, op string, inputs, outputs []*NDArray[T], kv ...string) error {
	if len(kv)%2 != 0 {
		return consistencyf("Invoke(%q): kv wants alternating key, value strings, got %d", op, len(kv))
	}
	in, err := handlesOf(m, inputs, "input")
	if err != nil {
		return err
	}
	out, err := handlesOf(m, outputs, "output")
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(kv)/2)
	values := make([]string, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		keys = append(keys, kv[i])
		values = append(values, kv[i+1])
	}
	return nativeErr(op, m.engine.InvokeOperator(m.opHandle(op), in, out, keys, values))
}
