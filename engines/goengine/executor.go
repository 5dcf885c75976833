package goengine

import (
	"slices"

	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gomx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ engines.ExecutorInterface = (*Engine)(nil)

// executor is one bound graph: a private clone of the symbol tree, the
// borrowed argument, gradient and auxiliary arrays, and the output array it
// owns.
//
// execState is a data-less storage used as a dependency anchor: every
// Forward and Backward task writes it, which serializes the passes like
// operations on one array. lastEval and everything it reaches are only
// touched from inside those tasks, or after the anchor went quiet.
type executor struct {
	h   engines.ExecutorHandle
	e   *Engine
	dev engines.Device

	root         *node
	dtype        dtypes.DType // dtype of the bound arrays
	computeDType dtypes.DType // dtype the kernels run on; Float32 for Float16 graphs
	nums         numerics

	argNames []string
	args     []*array
	grads    []*array // parallel to args, nil where no gradient is bound
	gradReqs []engines.OpReq
	aux      []*array

	shapeOf  map[*node]shapes.Shape
	needGrad types.Set[*node]
	auxOf    map[*node][]*array

	outputs []*array

	execState *storage

	// Pass sequence as seen by the callers, guarded by Engine.mu.
	ranForward bool
	lastMode   engines.ForwardMode

	lastEval *evaluation
}

func (e *Engine) lookupExecutorLocked(h engines.ExecutorHandle) (*executor, error) {
	x, found := e.executors[h]
	if !found {
		return nil, errors.Errorf("invalid executor handle %#x: unknown to engine (%s), or already freed", uintptr(h), EngineName)
	}
	return x, nil
}

// Bind attaches the graph to concrete arrays and returns the bound
// executor. Shapes propagate from the argument arrays through the graph;
// mismatches anywhere are reported here, before anything runs. The arrays
// are borrowed: the executor never frees them.
func (e *Engine) Bind(sym engines.SymbolHandle, dev engines.Device, args, gradients []engines.ArrayHandle, gradReqs []engines.OpReq, auxStates []engines.ArrayHandle) (engines.ExecutorHandle, error) {
	if err := e.checkDevice(dev); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return 0, errors.Errorf("engine (%s) is shut down, no new work accepted", EngineName)
	}
	n, err := e.lookupSymbolLocked(sym)
	if err != nil {
		return 0, err
	}
	if !n.isVariable() && len(n.inputs) == 0 {
		return 0, errors.Errorf("cannot bind operator %s: the symbol was never composed with inputs", n.def().name)
	}
	x := &executor{e: e, dev: dev, root: n.clone()}

	// Pair the argument arrays with the graph's variables.
	x.argNames = x.root.arguments()
	if len(args) != len(x.argNames) {
		return 0, errors.Errorf("graph takes %d arguments %v, got %d arrays", len(x.argNames), x.argNames, len(args))
	}
	if len(gradients) != len(args) || len(gradReqs) != len(args) {
		return 0, errors.Errorf("got %d arguments but %d gradient slots and %d gradient requests", len(args), len(gradients), len(gradReqs))
	}
	x.args = make([]*array, len(args))
	for i, h := range args {
		a, err := e.lookupArrayLocked(h)
		if err != nil {
			return 0, errors.WithMessagef(err, "argument %q", x.argNames[i])
		}
		if a.shape.Size() == 0 {
			return 0, errors.Errorf("argument %q: cannot bind an NDArray of empty shape", x.argNames[i])
		}
		x.args[i] = a
	}
	x.dtype = x.args[0].shape.DType
	for i, a := range x.args[1:] {
		if a.shape.DType != x.dtype {
			return 0, errors.Errorf("argument %q: dtype %s differs from dtype %s of argument %q", x.argNames[i+1], a.shape.DType, x.dtype, x.argNames[0])
		}
	}
	x.computeDType = x.dtype
	if x.computeDType == dtypes.Float16 {
		x.computeDType = dtypes.Float32
	}
	if x.nums, err = numericsFor(x.computeDType); err != nil {
		return 0, err
	}

	x.grads = make([]*array, len(args))
	x.gradReqs = slices.Clone(gradReqs)
	for i, h := range gradients {
		switch gradReqs[i] {
		case engines.OpReqNull, engines.OpReqWrite, engines.OpReqInplace, engines.OpReqAdd:
		default:
			return 0, errors.Errorf("argument %q: unknown gradient request %d", x.argNames[i], gradReqs[i])
		}
		if h.IsNull() {
			if gradReqs[i] != engines.OpReqNull {
				return 0, errors.Errorf("argument %q: gradient request %s needs a gradient NDArray", x.argNames[i], gradReqs[i])
			}
			continue
		}
		g, err := e.lookupArrayLocked(h)
		if err != nil {
			return 0, errors.WithMessagef(err, "gradient of argument %q", x.argNames[i])
		}
		if !g.shape.Equal(x.args[i].shape) {
			return 0, errors.Errorf("gradient of argument %q: shape %s does not match argument shape %s", x.argNames[i], g.shape, x.args[i].shape)
		}
		e.materializeLocked(g)
		x.grads[i] = g
	}

	auxShapes, auxNodes, err := x.inferShapes()
	if err != nil {
		return 0, err
	}
	if len(auxStates) != len(auxShapes) {
		return 0, errors.Errorf("graph has %d auxiliary states, got %d arrays", len(auxShapes), len(auxStates))
	}
	x.aux = make([]*array, len(auxStates))
	x.auxOf = make(map[*node][]*array)
	for i, h := range auxStates {
		a, err := e.lookupArrayLocked(h)
		if err != nil {
			return 0, errors.WithMessagef(err, "auxiliary state %d", i)
		}
		if !a.shape.Equal(auxShapes[i]) {
			return 0, errors.Errorf("auxiliary state %d: shape %s does not match required shape %s", i, a.shape, auxShapes[i])
		}
		e.materializeLocked(a)
		x.aux[i] = a
		x.auxOf[auxNodes[i]] = append(x.auxOf[auxNodes[i]], a)
	}

	// An argument slot wants a gradient if it has a bound gradient array
	// with a non-null request; an operator needs one if any input does.
	x.needGrad = types.MakeSet[*node]()
	gradByName := types.MakeSet[string](len(x.argNames))
	for i, name := range x.argNames {
		if x.grads[i] != nil && x.gradReqs[i] != engines.OpReqNull {
			gradByName.Insert(name)
		}
	}
	x.root.walk(func(m *node) {
		if m.isVariable() {
			if gradByName.Has(m.name) {
				x.needGrad.Insert(m)
			}
			return
		}
		for _, child := range m.inputs {
			if x.needGrad.Has(child) {
				x.needGrad.Insert(m)
				return
			}
		}
	})

	x.outputs = []*array{e.newArrayLocked(dev, x.shapeOf[x.root], false)}
	x.execState = &storage{dtype: x.dtype, refs: 1}
	x.h = engines.ExecutorHandle(e.newHandleLocked())
	e.executors[x.h] = x
	return x.h, nil
}

// inferShapes computes the shape of every node bottom-up from the argument
// shapes and returns the required auxiliary-state shapes, paired with their
// node, in walk order.
func (x *executor) inferShapes() ([]shapes.Shape, []*node, error) {
	x.shapeOf = make(map[*node]shapes.Shape)
	byName := make(map[string]shapes.Shape, len(x.argNames))
	for i, name := range x.argNames {
		byName[name] = x.args[i].shape
	}
	var auxShapes []shapes.Shape
	var auxNodes []*node
	var walkErr error
	x.root.walk(func(n *node) {
		if walkErr != nil {
			return
		}
		if n.isVariable() {
			x.shapeOf[n] = byName[n.name]
			return
		}
		def := n.def()
		if len(n.inputs) == 0 {
			walkErr = errors.Errorf("operator %s was never composed with inputs", def.name)
			return
		}
		in := xslices.Map(n.inputs, func(child *node) shapes.Shape { return x.shapeOf[child] })
		out, aux, err := def.inferShape(n.at, in)
		if err != nil {
			walkErr = errors.WithMessagef(err, "inferring shape of %s (%s)", n.name, def.name)
			return
		}
		x.shapeOf[n] = out
		auxShapes = append(auxShapes, aux...)
		for range aux {
			auxNodes = append(auxNodes, n)
		}
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	return auxShapes, auxNodes, nil
}

// Forward runs the graph from the bound arguments to the output. The pass
// is asynchronous: it is enqueued like an array operation, and its results
// are visible after synchronizing the outputs, or the engine. A failed pass
// surfaces its error there too.
func (e *Engine) Forward(h engines.ExecutorHandle, mode engines.ForwardMode) error {
	if mode != engines.ForwardOutputs && mode != engines.ForwardGradients {
		return errors.Errorf("unknown forward mode %d", mode)
	}
	e.mu.Lock()
	x, err := e.lookupExecutorLocked(h)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	x.ranForward = true
	x.lastMode = mode
	e.mu.Unlock()

	reads := xslices.Map(x.args, func(a *array) *storage { return a.st })
	writes := make([]*storage, 0, len(x.aux)+2)
	writes = append(writes, x.execState, x.outputs[0].st)
	for _, a := range x.aux {
		writes = append(writes, a.st)
	}
	return e.enqueue(reads, writes, func() error {
		if x.lastEval != nil {
			x.lastEval.retire()
		}
		ev := newEvaluation(x, mode)
		x.lastEval = ev
		if err := ev.runForward(); err != nil {
			x.lastEval = nil
			ev.retire()
			return err
		}
		return nil
	})
}

// Backward propagates gradients into the bound gradient slots, honoring
// each slot's request. It requires a preceding Forward with
// ForwardGradients on this executor: that check is synchronous, the pass
// itself is enqueued like Forward.
func (e *Engine) Backward(h engines.ExecutorHandle) error {
	e.mu.Lock()
	x, err := e.lookupExecutorLocked(h)
	if err == nil && (!x.ranForward || x.lastMode != engines.ForwardGradients) {
		err = errors.Errorf("Backward needs a preceding Forward with gradients requested")
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	reads := xslices.Map(x.args, func(a *array) *storage { return a.st })
	writes := []*storage{x.execState}
	for _, g := range x.grads {
		if g != nil {
			writes = append(writes, g.st)
		}
	}
	return e.enqueue(reads, writes, func() error {
		ev := x.lastEval
		if ev == nil || ev.mode != engines.ForwardGradients {
			return errors.Errorf("no forward state retained for backward")
		}
		return ev.runBackward()
	})
}

// ExecutorOutputs returns fresh handles aliasing the executor's output
// buffers, one per output, without copying. Every handle must be freed
// independently; the buffer itself lives until its last alias is gone.
func (e *Engine) ExecutorOutputs(h engines.ExecutorHandle) ([]engines.ArrayHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	x, err := e.lookupExecutorLocked(h)
	if err != nil {
		return nil, err
	}
	handles := make([]engines.ArrayHandle, len(x.outputs))
	for i, out := range x.outputs {
		handles[i] = e.aliasLocked(out, out.shape).h
	}
	return handles, nil
}

// FreeExecutor waits for the executor's passes in flight and releases it.
// Output storage aliased by handles from ExecutorOutputs survives until
// their last alias is freed; bound arrays are borrowed and survive too.
func (e *Engine) FreeExecutor(h engines.ExecutorHandle) error {
	e.mu.Lock()
	x, err := e.lookupExecutorLocked(h)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	_ = e.waitWrite(x.execState)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, found := e.executors[h]; !found {
		return errors.Errorf("invalid executor handle %#x: unknown to engine (%s), or already freed", uintptr(h), EngineName)
	}
	delete(e.executors, h)
	if x.lastEval != nil {
		x.lastEval.retire()
		x.lastEval = nil
	}
	for _, out := range x.outputs {
		delete(e.arrays, out.h)
		e.releaseStorageLocked(out.st)
	}
	return nil
}
