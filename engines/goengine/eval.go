package goengine

import (
	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// value is one tensor flowing through an evaluation: its logical shape and
// a flat slice of the evaluation's compute dtype. The zero value marks a
// gradient slot nobody asked for.
type value struct {
	shape shapes.Shape
	flat  any
}

func (v value) wanted() bool { return v.flat != nil }

// numerics are the flat-slice kernels of one compute dtype. An executor
// picks the implementation at bind time; the kernels receive slices as any
// and assert them back to their element type.
type numerics interface {
	fill(dst any, v float64)
	copyTo(dst, src any)
	ewise(code binOpCode, dst, a, b any)
	// axpy computes y += alpha·x.
	axpy(alpha float64, x, y any)
	scale(alpha float64, x any)
	gemm(transA, transB bool, m, k, n int, a, b, c any)
	colSum(dst, src any, rows, cols int)
	addRowVector(dst, vec any, rows, cols int)
	activation(kind actKind, dst, src any)
	activationGrad(kind actKind, dst, outGrad, out any)
	softmax(dst, src any, rows, cols int)
	softmaxGrad(dst, prob, label any, rows, cols int, ignore float64, useIgnore bool) int
	bnStats(src any, n, c, m int, mean, variance any)
	bnInvStd(dst, variance any, eps float64)
	bnNormalize(dst, src any, n, c, m int, mean, invStd, gamma, beta any)
	bnBackward(dx, dGamma, dBeta, outGrad, src any, n, c, m int, mean, invStd, gamma any)
}

// floatNumerics implements numerics for one Go floating-point type.
type floatNumerics[F podFloat] struct{}

var (
	_ numerics = floatNumerics[float32]{}
	_ numerics = floatNumerics[float64]{}
)

// numericsFor returns the kernels of the compute dtype. Symbolic graphs run
// on floating-point dtypes only; Float16 graphs run on Float32 kernels.
func numericsFor(dtype dtypes.DType) (numerics, error) {
	switch dtype {
	case dtypes.Float32:
		return floatNumerics[float32]{}, nil
	case dtypes.Float64:
		return floatNumerics[float64]{}, nil
	}
	return nil, errors.Errorf("engine (%s) has no symbolic graph kernels for dtype %s", EngineName, dtype)
}

func (floatNumerics[F]) fill(dst any, v float64) {
	f := dst.([]F)
	scalarKernel(f, f, F(v), scalarSet)
}

func (floatNumerics[F]) copyTo(dst, src any) {
	copy(dst.([]F), src.([]F))
}

func (floatNumerics[F]) ewise(code binOpCode, dst, a, b any) {
	op := binOpFor[F](code)
	dstF, aF, bF := dst.([]F), a.([]F), b.([]F)
	for i := range dstF {
		dstF[i] = op(aF[i], bF[i])
	}
}

func (floatNumerics[F]) axpy(alpha float64, x, y any) {
	axpyKernel(alpha, x.([]F), y.([]F))
}

func (floatNumerics[F]) scale(alpha float64, x any) {
	f := x.([]F)
	scalarKernel(f, f, F(alpha), scalarMul)
}

func (floatNumerics[F]) gemm(transA, transB bool, m, k, n int, a, b, c any) {
	gemm(transA, transB, m, k, n, a.([]F), b.([]F), c.([]F))
}

func (floatNumerics[F]) colSum(dst, src any, rows, cols int) {
	colSumKernel(dst.([]F), src.([]F), rows, cols)
}

func (floatNumerics[F]) addRowVector(dst, vec any, rows, cols int) {
	addRowVectorKernel(dst.([]F), vec.([]F), rows, cols)
}

func (floatNumerics[F]) activation(kind actKind, dst, src any) {
	actForwardKernel(kind, dst.([]F), src.([]F))
}

func (floatNumerics[F]) activationGrad(kind actKind, dst, outGrad, out any) {
	actBackwardKernel(kind, dst.([]F), outGrad.([]F), out.([]F))
}

func (floatNumerics[F]) softmax(dst, src any, rows, cols int) {
	softmaxKernel(dst.([]F), src.([]F), rows, cols)
}

func (floatNumerics[F]) softmaxGrad(dst, prob, label any, rows, cols int, ignore float64, useIgnore bool) int {
	return softmaxGradKernel(dst.([]F), prob.([]F), label.([]F), rows, cols, ignore, useIgnore)
}

func (floatNumerics[F]) bnStats(src any, n, c, m int, mean, variance any) {
	bnStatsKernel(src.([]F), n, c, m, mean.([]F), variance.([]F))
}

func (floatNumerics[F]) bnInvStd(dst, variance any, eps float64) {
	bnInvStdKernel(dst.([]F), variance.([]F), eps)
}

func (floatNumerics[F]) bnNormalize(dst, src any, n, c, m int, mean, invStd, gamma, beta any) {
	bnNormalizeKernel(dst.([]F), src.([]F), n, c, m, mean.([]F), invStd.([]F), gamma.([]F), beta.([]F))
}

func (floatNumerics[F]) bnBackward(dx, dGamma, dBeta, outGrad, src any, n, c, m int, mean, invStd, gamma any) {
	bnBackwardKernel(dx.([]F), dGamma.([]F), dBeta.([]F), outGrad.([]F), src.([]F), n, c, m, mean.([]F), invStd.([]F), gamma.([]F))
}

// evaluation is the state of one forward pass and the backward pass that
// may follow it. It lives inside the executor's dependency-ordered tasks:
// at most one task touches it at a time.
type evaluation struct {
	e    *Engine
	x    *executor
	nums numerics
	mode engines.ForwardMode

	argValues map[string]value // staged argument contents, by variable name
	values    map[*node]value  // forward result per operator node
	saved     map[*node]any    // forward scratch kept for backward
	argGrads  map[string]value // gradient accumulators, by variable name

	// owned are the pooled compute-dtype flats returned when the
	// evaluation retires.
	owned []any
}

func newEvaluation(x *executor, mode engines.ForwardMode) *evaluation {
	return &evaluation{
		e:         x.e,
		x:         x,
		nums:      x.nums,
		mode:      mode,
		argValues: make(map[string]value, len(x.argNames)),
		values:    make(map[*node]value),
		saved:     make(map[*node]any),
	}
}

// allocFlat returns a pooled compute-dtype slice owned by the evaluation.
// Its contents are undefined.
func (ev *evaluation) allocFlat(size int) any {
	flat := ev.e.getFlat(ev.x.computeDType, size)
	ev.owned = append(ev.owned, flat)
	return flat
}

// allocValue returns an owned value of the shape. Contents undefined.
func (ev *evaluation) allocValue(shape shapes.Shape) value {
	return value{shape: shape, flat: ev.allocFlat(shape.Size())}
}

// zeroValue returns an owned value filled with zeros.
func (ev *evaluation) zeroValue(shape shapes.Shape) value {
	v := ev.allocValue(shape)
	ev.nums.fill(v.flat, 0)
	return v
}

// flatOr returns the slot's flat if it is wanted, otherwise a throwaway
// owned buffer, for kernels that write all their outputs unconditionally.
func (ev *evaluation) flatOr(v value, size int) any {
	if v.wanted() {
		return v.flat
	}
	return ev.allocFlat(size)
}

// retire returns the evaluation's pooled buffers.
func (ev *evaluation) retire() {
	for _, flat := range ev.owned {
		ev.e.putFlat(ev.x.computeDType, flat)
	}
	ev.owned = nil
}

// loadArray stages the array's contents as a compute-dtype value. When the
// dtypes match the value references the array's buffer directly and must
// not be written; Float16 contents are converted into an owned Float32
// buffer.
func (ev *evaluation) loadArray(a *array) (value, error) {
	if a.st.flat == nil {
		return value{}, errors.Errorf("NDArray of shape %s was never written", a.shape)
	}
	if a.shape.DType == ev.x.computeDType {
		return value{shape: a.shape, flat: a.view()}, nil
	}
	v := value{shape: a.shape, flat: ev.allocFlat(a.shape.Size())}
	f16ToF32(v.flat.([]float32), a.view().([]float16.Float16))
	return v, nil
}

// storeArray writes the value into the array's buffer, converting from the
// compute dtype if needed. Writing a value that already references the
// array's own buffer is a no-op.
func (ev *evaluation) storeArray(a *array, v value) {
	if a.shape.DType == ev.x.computeDType {
		ev.nums.copyTo(a.view(), v.flat)
		return
	}
	f32ToF16(a.view().([]float16.Float16), v.flat.([]float32))
}

// addToArray accumulates the value into the array's buffer.
func (ev *evaluation) addToArray(a *array, v value) {
	if a.shape.DType == ev.x.computeDType {
		ev.nums.axpy(1, v.flat, a.view())
		return
	}
	work := ev.allocFlat(a.shape.Size()).([]float32)
	f16ToF32(work, a.view().([]float16.Float16))
	ev.nums.axpy(1, v.flat, work)
	f32ToF16(a.view().([]float16.Float16), work)
}

// inputs gathers the forward values feeding the node.
func (ev *evaluation) inputs(n *node) []value {
	in := make([]value, len(n.inputs))
	for i, child := range n.inputs {
		if child.isVariable() {
			in[i] = ev.argValues[child.name]
		} else {
			in[i] = ev.values[child]
		}
	}
	return in
}

// runForward stages the arguments, evaluates the tree bottom-up and writes
// the output array.
func (ev *evaluation) runForward() error {
	x := ev.x
	for i, name := range x.argNames {
		v, err := ev.loadArray(x.args[i])
		if err != nil {
			return errors.WithMessagef(err, "argument %q", name)
		}
		ev.argValues[name] = v
	}
	var out value
	if x.root.isVariable() {
		out = ev.argValues[x.root.name]
	} else {
		if err := ev.eval(x.root); err != nil {
			return err
		}
		out = ev.values[x.root]
	}
	ev.storeArray(x.outputs[0], out)
	return nil
}

func (ev *evaluation) eval(n *node) error {
	for _, child := range n.inputs {
		if child.isVariable() {
			continue
		}
		if err := ev.eval(child); err != nil {
			return err
		}
	}
	def := n.def()
	out := ev.allocValue(ev.x.shapeOf[n])
	if err := def.forward(ev, n, ev.inputs(n), out); err != nil {
		return errors.WithMessagef(err, "forward of %s (%s)", n.name, def.name)
	}
	ev.values[n] = out
	return nil
}

// runBackward propagates gradients from the output back to the bound
// gradient slots, honoring each slot's request.
func (ev *evaluation) runBackward() error {
	x := ev.x
	ev.argGrads = make(map[string]value, len(x.argNames))

	// Loss operators produce their own gradient; any other root is seeded
	// with ones, the gradient of the sum of its elements.
	var rootGrad value
	if x.root.isVariable() || !x.root.def().loss {
		rootGrad = ev.allocValue(x.shapeOf[x.root])
		ev.nums.fill(rootGrad.flat, 1)
	} else {
		rootGrad = value{shape: x.shapeOf[x.root]}
	}
	if err := ev.backprop(x.root, rootGrad); err != nil {
		return err
	}

	for i, name := range x.argNames {
		gradArr := x.grads[i]
		req := x.gradReqs[i]
		if gradArr == nil || req == engines.OpReqNull {
			continue
		}
		accum, found := ev.argGrads[name]
		switch req {
		case engines.OpReqWrite, engines.OpReqInplace:
			if !found {
				// The argument is on no differentiable path: its
				// gradient is zero.
				accum = ev.zeroValue(x.args[i].shape)
			}
			ev.storeArray(gradArr, accum)
		case engines.OpReqAdd:
			if found {
				ev.addToArray(gradArr, accum)
			}
		}
	}
	return nil
}

func (ev *evaluation) backprop(n *node, outGrad value) error {
	if n.isVariable() {
		if accum, found := ev.argGrads[n.name]; found {
			ev.nums.axpy(1, outGrad.flat, accum.flat)
		} else {
			ev.argGrads[n.name] = outGrad
		}
		return nil
	}
	def := n.def()
	inGrads := make([]value, len(n.inputs))
	for i, child := range n.inputs {
		if ev.x.needGrad.Has(child) {
			inGrads[i] = ev.allocValue(ev.x.shapeOf[child])
		}
	}
	if err := def.backward(ev, n, ev.inputs(n), ev.values[n], outGrad, inGrads); err != nil {
		return errors.WithMessagef(err, "backward of %s (%s)", n.name, def.name)
	}
	for i, child := range n.inputs {
		if inGrads[i].wanted() {
			if err := ev.backprop(child, inGrads[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
