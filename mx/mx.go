// Package mx is a typed Go layer over a tensor-computation engine: it wraps
// the engine's opaque handles into NDArray, Symbol and Executor values with
// free-once lifetimes, synchronized host access and typed errors.
//
// The entry point is the Manager, which owns one engines.Engine instance and
// the registry of the operators the engine provides:
//
//	m := mx.New()
//	defer m.Close()
//
//	a, err := mx.NewNDArray[float32](m, mx.CPU(0), 2, 3)
//	...
//	defer a.Free()
//	err = a.SetAll(1.5)
//
// Engines run array operations asynchronously: mutating calls return once
// the work is enqueued, and the reading methods (Data, CopyTo, WaitToRead)
// synchronize on the array first. Failures of asynchronous work surface as
// errors at those synchronization points.
//
// Symbolic graphs are built from Variable leaves and operator constructors
// (FullyConnected, Activation, Dot, ...), bound to concrete arrays with Bind
// and driven with Executor.Forward and Executor.Backward.
//
// An engine implementation must be linked in for New to work -- import the
// default bundle:
//
//	import _ "github.com/gomlx/gomx/engines/default"
//
// and optionally select and configure the engine with the GOMX_ENGINE
// environment variable, e.g. GOMX_ENGINE="go:parallelism=4".
package mx

import (
	"maps"
	"slices"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomx/engines"
)

// Manager owns one engine instance and the operator registry enumerated from
// it at construction. Every NDArray, Symbol and Executor is created through
// a Manager and uses it for the engine calls its methods make.
type Manager struct {
	engine engines.Engine
	ops    map[string]engines.OperatorHandle
	closed atomic.Bool
}

// New creates a Manager on the default engine -- see engines.New for how the
// default is selected. It panics if no engine implementation was imported.
func New() *Manager {
	return NewWithEngine(engines.New())
}

// NewWithConfig creates a Manager from an engine configuration string
// formatted as "<engine_name>:<engine_configuration>", e.g.
// "go:parallelism=4".
func NewWithConfig(config string) *Manager {
	return NewWithEngine(engines.NewWithConfig(config))
}

// NewWithEngine creates a Manager on an engine the caller already built.
//
// It enumerates the engine's operators into the name registry once, and
// panics if the engine fails to enumerate or misses one of the operators the
// binding is built on: that is a version mismatch between binding and
// engine, not a runtime condition.
func NewWithEngine(engine engines.Engine) *Manager {
	m := &Manager{
		engine: engine,
		ops:    make(map[string]engines.OperatorHandle),
	}
	ops, err := engine.Operators()
	if err != nil {
		exceptions.Panicf("mx: enumerating operators of engine %q: %v", engine.Name(), err)
	}
	for _, op := range ops {
		name, err := engine.OperatorName(op)
		if err != nil {
			exceptions.Panicf("mx: naming operator %#x of engine %q: %v", uintptr(op), engine.Name(), err)
		}
		m.ops[name] = op
	}
	for _, name := range requiredOperators {
		if _, found := m.ops[name]; !found {
			exceptions.Panicf("mx: engine %q (version %s) does not provide operator %q",
				engine.Name(), engine.Version(), name)
		}
	}
	return m
}

// requiredOperators is the imperative core the NDArray methods are built on.
// NewWithEngine refuses outright an engine missing any of them.
var requiredOperators = []string{
	"_set_value",
	"_plus_scalar", "_minus_scalar", "_rminus_scalar", "_mul_scalar", "_div_scalar",
	"_copyto",
	"broadcast_add", "broadcast_sub", "broadcast_mul", "broadcast_div", "broadcast_maximum",
}

// Engine returns the engine the Manager was built on.
func (m *Manager) Engine() engines.Engine { return m.engine }

// Version returns the engine's version string.
func (m *Manager) Version() string { return m.engine.Version() }

// opHandle resolves an operator name through the registry. Unknown names
// mean the binding was built against a different engine version; it panics
// rather than returning an error.
func (m *Manager) opHandle(name string) engines.OperatorHandle {
	op, found := m.ops[name]
	if !found {
		exceptions.Panicf("mx: engine %q provides no operator %q", m.engine.Name(), name)
	}
	return op
}

// Operators returns the names of every operator the engine provides,
// sorted.
func (m *Manager) Operators() []string {
	return slices.Sorted(maps.Keys(m.ops))
}

// OperatorInfo returns the descriptor of the named operator: its
// description and the names and descriptions of its positional arguments.
func (m *Manager) OperatorInfo(name string) (engines.OperatorInfo, error) {
	op, found := m.ops[name]
	if !found {
		return engines.OperatorInfo{}, consistencyf("engine %q provides no operator %q", m.engine.Name(), name)
	}
	info, err := m.engine.OperatorInfo(op)
	if err != nil {
		return engines.OperatorInfo{}, nativeErr("OperatorInfo", err)
	}
	return info, nil
}

// WaitAll blocks until every operation enqueued on the engine, on any array,
// completed.
func (m *Manager) WaitAll() error {
	return nativeErr("WaitAll", m.engine.WaitAll())
}

// Close tells the engine to drain pending work and stop accepting new
// calls. It is idempotent. Arrays, symbols and executors created through
// the Manager should be freed before; handles still live at Close are
// reported as a leak signal, not reclaimed.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	if n := LiveHandleCount(); n > 0 {
		klog.Warningf("mx: %d handle(s) still live at Manager.Close, NDArrays, Symbols and Executors should be freed first", n)
	}
	m.engine.NotifyShutdown()
}
