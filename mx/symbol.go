package mx

import (
	"maps"
	"slices"

	"github.com/gomlx/gomx/engines"
)

// Symbol is a typed handle to one node of a symbolic computation graph
// owned by the engine: a named variable leaf, or an operator composed with
// its inputs. Graphs are built bottom-up -- variables first, then operator
// constructors like FullyConnected and Dot -- and run by binding the root
// Symbol to concrete arrays with Bind.
//
// Composition copies what it needs: after an operator constructor returns,
// its input Symbols may be freed without affecting the built graph.
//
// Free releases the engine-side node exactly once; every use afterwards
// returns ErrHandleInvalid.
type Symbol struct {
	res *resource[engines.SymbolHandle]
	m   *Manager

	// declaredName is the name a variable was created under, "" for
	// operator nodes. Name re-validates it against the engine on every
	// call.
	declaredName string
}

// Variable creates a named leaf node. name must not be empty; arrays are
// bound to the graph's variables by these names.
func (m *Manager) Variable(name string) (*Symbol, error) {
	h, err := m.engine.CreateVariable(name)
	if err != nil {
		return nil, nativeErr("CreateVariable", err)
	}
	s := wrapSymbol(m, h)
	s.declaredName = name
	return s, nil
}

func wrapSymbol(m *Manager, h engines.SymbolHandle) *Symbol {
	return &Symbol{
		res: newResource("Symbol", h, m.engine.FreeSymbol),
		m:   m,
	}
}

// Manager returns the Manager the symbol was created through.
func (s *Symbol) Manager() *Manager { return s.m }

// Valid reports whether the symbol still owns its handle.
func (s *Symbol) Valid() bool { return s != nil && s.res.valid() }

func (s *Symbol) handle() (engines.SymbolHandle, error) {
	if s == nil {
		return 0, ErrHandleInvalid
	}
	return s.res.get()
}

// Free releases the engine-side node. Graphs already composed from this
// symbol keep their own copies and are unaffected. Idempotent.
func (s *Symbol) Free() {
	if s == nil {
		return
	}
	s.res.free()
}

// Name returns the name of the node: the variable name, the name given at
// composition, or "" for an unnamed node. For variables the engine's stored
// name is re-validated against the name Variable was called with, and a
// divergence -- which would mean the engine mixed up nodes -- reports a
// ConsistencyError.
func (s *Symbol) Name() (string, error) {
	h, err := s.handle()
	if err != nil {
		return "", err
	}
	name, err := s.m.engine.SymbolName(h)
	if err != nil {
		return "", nativeErr("SymbolName", err)
	}
	if s.declaredName != "" && name != s.declaredName {
		return "", consistencyf("variable created as %q is named %q by the engine", s.declaredName, name)
	}
	return name, nil
}

// Arguments returns the names of the graph's arguments -- its variable
// leaves -- in the order Bind expects their arrays. The returned slice is
// the caller's.
func (s *Symbol) Arguments() ([]string, error) {
	h, err := s.handle()
	if err != nil {
		return nil, err
	}
	names, err := s.m.engine.ListArguments(h)
	if err != nil {
		return nil, nativeErr("ListArguments", err)
	}
	return names, nil
}

// AuxiliaryStates returns the names of the graph's auxiliary states:
// engine-tracked values (e.g. running statistics) that are not arguments
// and receive no gradient, in the order Bind expects their arrays.
func (s *Symbol) AuxiliaryStates() ([]string, error) {
	h, err := s.handle()
	if err != nil {
		return nil, err
	}
	names, err := s.m.engine.ListAuxiliaryStates(h)
	if err != nil {
		return nil, nativeErr("ListAuxiliaryStates", err)
	}
	return names, nil
}

// Print renders a human-readable description of the graph rooted at this
// symbol, for debugging.
func (s *Symbol) Print() (string, error) {
	h, err := s.handle()
	if err != nil {
		return "", err
	}
	text, err := s.m.engine.PrintSymbol(h)
	if err != nil {
		return "", nativeErr("PrintSymbol", err)
	}
	return text, nil
}

// operatorSymbol instantiates the operator op with the given keyword
// attributes and composes it with inputs, in order, under the given node
// name. It validates the inputs first, reporting the first nil or freed one
// by position.
func operatorSymbol(name, op string, inputs []*Symbol, at map[string]string) (*Symbol, error) {
	if len(inputs) == 0 {
		return nil, consistencyf("operator %s needs at least one input symbol", op)
	}
	var m *Manager
	for i, in := range inputs {
		if in == nil || !in.res.valid() {
			return nil, consistencyf("input %d of operator %s: %v", i, op, ErrHandleInvalid)
		}
		if m == nil {
			m = in.m
		} else if in.m != m {
			return nil, consistencyf("input %d of operator %s belongs to a different Manager", i, op)
		}
	}

	var keys, values []string
	for _, k := range slices.Sorted(maps.Keys(at)) {
		keys = append(keys, k)
		values = append(values, at[k])
	}
	h, err := m.engine.CreateAtomicSymbol(m.opHandle(op), keys, values)
	if err != nil {
		return nil, nativeErr("CreateAtomicSymbol", err)
	}

	args := make([]engines.SymbolHandle, len(inputs))
	for i, in := range inputs {
		args[i], _ = in.res.get()
	}
	if err := m.engine.Compose(h, name, nil, args); err != nil {
		_ = m.engine.FreeSymbol(h)
		return nil, nativeErr("Compose", err)
	}
	return wrapSymbol(m, h), nil
}
