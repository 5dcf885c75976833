package mx

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/gomx/engines"
)

// ForwardMode selects what a forward pass computes; re-exported from
// engines.
type ForwardMode = engines.ForwardMode

const (
	// ForwardOutputs computes the graph outputs only.
	ForwardOutputs = engines.ForwardOutputs

	// ForwardGradients computes the outputs and retains the intermediate
	// state a subsequent Backward needs.
	ForwardGradients = engines.ForwardGradients
)

// GradReq tells the engine what to do with the gradient computed for one
// argument slot during Backward; re-exported from engines.
type GradReq = engines.OpReq

const (
	// GradNull discards the gradient; the slot's array is left untouched.
	GradNull = engines.OpReqNull

	// GradWrite overwrites the slot's array with the gradient.
	GradWrite = engines.OpReqWrite

	// GradInplace overwrites like GradWrite, additionally allowing the
	// engine to share the gradient buffer with a forward buffer.
	GradInplace = engines.OpReqInplace

	// GradAdd accumulates: the gradient is added to the slot's current
	// contents.
	GradAdd = engines.OpReqAdd
)

// Executor is a symbolic graph bound to concrete arrays on one device,
// ready to run: Forward evaluates the graph from the bound arguments,
// Backward propagates gradients into the bound gradient arrays, Outputs
// hands out zero-copy views of the results.
//
// The executor borrows the arrays given to Bind: it never frees them, and
// they must stay alive for the executor's lifetime. Free releases the
// engine-side executor exactly once; output aliases already handed out stay
// valid.
type Executor[T Element] struct {
	res *resource[engines.ExecutorHandle]
	m   *Manager

	mu           sync.Mutex
	ranGradients bool
}

// Bind attaches the graph rooted at sym to concrete arrays on the device
// ctx and returns the bound executor.
//
// args supplies one array per sym.Arguments() entry, in that order.
// gradients supplies, per argument, the array Backward writes that
// argument's gradient to -- a nil entry, which requires a GradNull request,
// means no gradient is tracked there -- and gradReqs the per-slot policy.
// Both must have the same length as args, or be nil for "no gradients at
// all". auxStates supplies one array per sym.AuxiliaryStates() entry. Every
// array must belong to the symbol's Manager; a foreign one fails with a
// ConsistencyError before anything reaches the engine.
func Bind[T Element](sym *Symbol, ctx Context, args, gradients []*NDArray[T], gradReqs []GradReq, auxStates []*NDArray[T]) (*Executor[T], error) {
	symH, err := sym.handle()
	if err != nil {
		return nil, errors.WithMessage(err, "symbol")
	}
	m := sym.m
	argNames, err := sym.Arguments()
	if err != nil {
		return nil, err
	}
	if len(args) != len(argNames) {
		return nil, consistencyf("graph takes %d arguments, got %d", len(argNames), len(args))
	}
	argH, err := handlesOf(m, args, "argument")
	if err != nil {
		return nil, err
	}
	if gradients == nil {
		gradients = make([]*NDArray[T], len(args))
	}
	if gradReqs == nil {
		gradReqs = make([]GradReq, len(args))
	}
	if len(gradients) != len(args) || len(gradReqs) != len(args) {
		return nil, consistencyf("Bind wants as many gradients (%d) and gradient requests (%d) as arguments (%d)",
			len(gradients), len(gradReqs), len(args))
	}
	gradH := make([]engines.ArrayHandle, len(gradients))
	for i, g := range gradients {
		if g == nil {
			continue // null handle: no gradient tracked for this slot
		}
		h, err := g.handle()
		if err != nil {
			return nil, errors.Wrapf(err, "gradient %d", i)
		}
		if g.m != m {
			return nil, consistencyf("gradient %d belongs to a different Manager", i)
		}
		gradH[i] = h
	}
	auxNames, err := sym.AuxiliaryStates()
	if err != nil {
		return nil, err
	}
	if len(auxStates) != len(auxNames) {
		return nil, consistencyf("graph has %d auxiliary states, got %d", len(auxNames), len(auxStates))
	}
	auxH, err := handlesOf(m, auxStates, "auxiliary state")
	if err != nil {
		return nil, err
	}
	h, err := m.engine.Bind(symH, ctx, argH, gradH, gradReqs, auxH)
	if err != nil {
		return nil, nativeErr("Bind", err)
	}
	return &Executor[T]{
		res: newResource("Executor", h, m.engine.FreeExecutor),
		m:   m,
	}, nil
}

// Manager returns the Manager the executor was created through.
func (x *Executor[T]) Manager() *Manager { return x.m }

// Valid reports whether the executor still owns its handle.
func (x *Executor[T]) Valid() bool { return x != nil && x.res.valid() }

func (x *Executor[T]) handle() (engines.ExecutorHandle, error) {
	if x == nil {
		return 0, ErrHandleInvalid
	}
	return x.res.get()
}

// Free releases the engine-side executor, after pending passes completed.
// Bound arrays are borrowed and stay alive, as do output aliases already
// handed out. Idempotent.
func (x *Executor[T]) Free() {
	if x == nil {
		return
	}
	x.res.free()
}

// Forward runs the graph from the bound arguments to the outputs. Mode
// ForwardGradients additionally retains the intermediate state Backward
// needs; it also selects the training behavior of operators like BatchNorm.
//
// The pass runs asynchronously: results are observed through Outputs
// arrays or Manager.WaitAll, and failures of the pass surface when those
// synchronize.
func (x *Executor[T]) Forward(mode ForwardMode) error {
	h, err := x.handle()
	if err != nil {
		return err
	}
	if mode != ForwardOutputs && mode != ForwardGradients {
		return consistencyf("unknown forward mode %d", mode)
	}
	if err := x.m.engine.Forward(h, mode); err != nil {
		return nativeErr("Forward", err)
	}
	x.mu.Lock()
	x.ranGradients = mode == ForwardGradients
	x.mu.Unlock()
	return nil
}

// Backward propagates gradients from the graph root into the gradient
// arrays bound at Bind time, honoring each slot's GradReq. The immediately
// preceding Forward must have used ForwardGradients: otherwise Backward
// fails with an ExecutorStateError and the engine is not called.
//
// Like Forward, the pass runs asynchronously; synchronize the gradient
// arrays to observe it.
func (x *Executor[T]) Backward() error {
	h, err := x.handle()
	if err != nil {
		return err
	}
	x.mu.Lock()
	ran := x.ranGradients
	x.mu.Unlock()
	if !ran {
		return executorStatef("Backward needs a preceding Forward with ForwardGradients")
	}
	return nativeErr("Backward", x.m.engine.Backward(h))
}

// OutputCount returns the number of outputs of the bound graph: how many
// targets Outputs expects.
func (x *Executor[T]) OutputCount() (int, error) {
	h, err := x.handle()
	if err != nil {
		return 0, err
	}
	handles, err := x.m.engine.ExecutorOutputs(h)
	if err != nil {
		return 0, nativeErr("ExecutorOutputs", err)
	}
	// Counting was all we wanted: the aliases go straight back.
	for _, ah := range handles {
		_ = x.m.engine.FreeNDArray(ah)
	}
	return len(handles), nil
}

// Outputs fills targets with fresh handles aliasing the executor's output
// buffers, one target per graph output, without copying. Every target must
// be a zero (empty) NDArray wrapper: a target already holding an array
// fails with an ExecutorStateError, reported by position, so that a live
// reference is never dropped through an implicit free.
//
// Each filled target owns its own handle and must be freed like any other
// array. All aliases of one output slot share storage -- released when the
// last alias is freed -- and see every later Forward's results. Repeated
// calls hand out new aliases of the same buffers. On error no target is
// touched.
func (x *Executor[T]) Outputs(targets ...*NDArray[T]) error {
	h, err := x.handle()
	if err != nil {
		return err
	}
	for i, t := range targets {
		if t == nil {
			return consistencyf("output target %d is nil", i)
		}
		if t.res != nil {
			return executorStatef("output target %d already holds an array; Outputs wants empty wrappers", i)
		}
	}
	handles, err := x.m.engine.ExecutorOutputs(h)
	if err != nil {
		return nativeErr("ExecutorOutputs", err)
	}
	freeAll := func() {
		for _, ah := range handles {
			_ = x.m.engine.FreeNDArray(ah)
		}
	}
	if len(handles) != len(targets) {
		freeAll()
		return consistencyf("executor has %d outputs, got %d targets", len(handles), len(targets))
	}
	for i, ah := range handles {
		shape, err := x.m.engine.NDArrayShape(ah)
		if err != nil {
			freeAll()
			return nativeErr("NDArrayShape", err)
		}
		if shape.DType != dtypeOf[T]() {
			freeAll()
			return consistencyf("output %d has dtype %s, the executor's element type maps to %s", i, shape.DType, dtypeOf[T]())
		}
	}
	for i, ah := range handles {
		*targets[i] = *wrapNDArray[T](x.m, ah)
	}
	return nil
}
