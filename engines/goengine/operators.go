package goengine

import (
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types/shapes"
	"github.com/gomlx/gomx/types/xslices"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ engines.OperatorInterface = (*Engine)(nil)

// attrs are the keyword parameters of one operator instantiation, carried as
// string key/value pairs by the engine protocol.
type attrs map[string]string

// Keyword accessors: a missing key falls back to the operator's default,
// a malformed value is an error.

func (at attrs) float(key string, def float64) (float64, error) {
	s, found := at[key]
	if !found {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("keyword %q: cannot parse %q as float", key, s)
	}
	return v, nil
}

func (at attrs) int(key string, def int) (int, error) {
	s, found := at[key]
	if !found {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("keyword %q: cannot parse %q as integer", key, s)
	}
	return v, nil
}

// bool parses the "True"/"False" spelling keyword booleans use on the wire,
// in any casing.
func (at attrs) bool(key string, def bool) (bool, error) {
	s, found := at[key]
	if !found {
		return def, nil
	}
	switch {
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	return false, errors.Errorf("keyword %q: cannot parse %q as boolean", key, s)
}

func (at attrs) str(key, def string) string {
	if s, found := at[key]; found {
		return s
	}
	return def
}

func (at attrs) requiredFloat(key string) (float64, error) {
	if _, found := at[key]; !found {
		return 0, errors.Errorf("missing required keyword %q", key)
	}
	return at.float(key, 0)
}

// opDef describes one operator: its registry entry plus its kernels. The
// operator table is process wide and fixed after package initialization;
// engine instances share it.
type opDef struct {
	name            string
	description     string
	argNames        []string
	argDescriptions []string

	// auxNames are the suffixes of the operator's auxiliary states, e.g.
	// "moving_mean"; graph listings namespace them with the node name.
	auxNames []string

	// imperative validates an imperative invocation and builds the closure
	// the dependency queue runs. nil when the operator is symbolic-only.
	imperative func(e *Engine, at attrs, inputs, outputs []*array) (run func() error, err error)

	// The fields below define the operator's symbolic behavior; inferShape
	// is nil when the operator cannot appear in a graph.
	inferShape func(at attrs, in []shapes.Shape) (out shapes.Shape, aux []shapes.Shape, err error)

	// loss marks operators that produce their own gradient during backward
	// (e.g. SoftmaxOutput); they receive no incoming output-gradient.
	loss bool

	// forward computes out from in. out is pre-allocated with the shape
	// inferred at bind time.
	forward func(ev *evaluation, n *node, in []value, out value) error

	// backward fills inGrads, one slot per input, from the node's forward
	// values and the incoming output-gradient. A slot with a nil flat is not
	// wanted and must be skipped. For loss operators outGrad has a nil flat.
	backward func(ev *evaluation, n *node, in []value, out value, outGrad value, inGrads []value) error
}

var (
	opDefs    []*opDef
	opsByName = make(map[string]int)
)

// registerOp adds the operator to the process-wide table. Operators register
// during package initialization; the table is read-only afterwards.
func registerOp(def *opDef) {
	if _, found := opsByName[def.name]; found {
		exceptions.Panicf("operator %q registered twice", def.name)
	}
	opsByName[def.name] = len(opDefs)
	opDefs = append(opDefs, def)
}

// opByHandle resolves an operator handle to its table entry.
func opByHandle(h engines.OperatorHandle) (*opDef, error) {
	idx := int(h) - 1
	if idx < 0 || idx >= len(opDefs) {
		return nil, errors.Errorf("invalid operator handle %#x", uintptr(h))
	}
	return opDefs[idx], nil
}

// Operators returns handles to every operator the engine provides.
// Handle i+1 is opDefs[i].
func (e *Engine) Operators() ([]engines.OperatorHandle, error) {
	return xslices.Iota(engines.OperatorHandle(1), len(opDefs)), nil
}

// OperatorName returns the name of the operator.
func (e *Engine) OperatorName(op engines.OperatorHandle) (string, error) {
	def, err := opByHandle(op)
	if err != nil {
		return "", err
	}
	return def.name, nil
}

// OperatorInfo returns the full descriptor of the operator.
func (e *Engine) OperatorInfo(op engines.OperatorHandle) (engines.OperatorInfo, error) {
	def, err := opByHandle(op)
	if err != nil {
		return engines.OperatorInfo{}, err
	}
	return engines.OperatorInfo{
		Name:                 def.name,
		Description:          def.description,
		ArgumentNames:        def.argNames,
		ArgumentDescriptions: def.argDescriptions,
	}, nil
}

// makeAttrs pairs keyword keys with values.
func makeAttrs(keys, values []string) (attrs, error) {
	if len(keys) != len(values) {
		return nil, errors.Errorf("got %d keyword keys but %d values", len(keys), len(values))
	}
	at := make(attrs, len(keys))
	for i, key := range keys {
		at[key] = values[i]
	}
	return at, nil
}

// InvokeOperator applies the operator imperatively on the given arrays. The
// work is enqueued on the dependency queue reading the inputs and writing
// the outputs; it is visible after synchronizing the outputs.
func (e *Engine) InvokeOperator(op engines.OperatorHandle, inputs, outputs []engines.ArrayHandle, keys, values []string) error {
	def, err := opByHandle(op)
	if err != nil {
		return err
	}
	if def.imperative == nil {
		return errors.Errorf("operator %q cannot be invoked imperatively", def.name)
	}
	at, err := makeAttrs(keys, values)
	if err != nil {
		return errors.WithMessagef(err, "invoking operator %q", def.name)
	}

	e.mu.Lock()
	inArrays := make([]*array, len(inputs))
	outArrays := make([]*array, len(outputs))
	for i, h := range inputs {
		if inArrays[i], err = e.lookupArrayLocked(h); err != nil {
			break
		}
		// Inputs must hold data. A pending write would have materialized
		// the storage already, so a nil buffer here means nobody ever
		// wrote the array, and nobody will before this operation runs.
		if inArrays[i].st.flat == nil && inArrays[i].shape.Size() > 0 {
			err = errors.Errorf("input %d: NDArray of shape %s was never written", i, inArrays[i].shape)
			break
		}
	}
	if err == nil {
		for i, h := range outputs {
			if outArrays[i], err = e.lookupArrayLocked(h); err != nil {
				break
			}
			e.materializeLocked(outArrays[i])
		}
	}
	e.mu.Unlock()
	if err != nil {
		return errors.WithMessagef(err, "invoking operator %q", def.name)
	}

	run, err := def.imperative(e, at, inArrays, outArrays)
	if err != nil {
		return errors.WithMessagef(err, "invoking operator %q", def.name)
	}
	reads := make([]*storage, len(inArrays))
	for i, a := range inArrays {
		reads[i] = a.st
	}
	writes := make([]*storage, len(outArrays))
	for i, a := range outArrays {
		writes[i] = a.st
	}
	return e.enqueue(reads, writes, run)
}
