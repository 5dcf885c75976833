package goengine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomx/engines"
	"github.com/gomlx/gomx/types"
	"github.com/gomlx/gomx/types/xslices"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ engines.SymbolInterface = (*Engine)(nil)

// variableOp marks variable leaf nodes, which have no operator entry.
const variableOp = -1

// node is one symbolic graph node: a named variable leaf, or an operator
// instantiation whose inputs Compose fills in. Composition stores private
// clones of its inputs, so every graph is a tree owned by its root; shared
// variables unify by name when an executor binds the graph.
type node struct {
	op     int // index into opDefs, or variableOp
	name   string
	at     attrs
	inputs []*node
}

func (n *node) isVariable() bool { return n.op == variableOp }

func (n *node) def() *opDef { return opDefs[n.op] }

func (n *node) clone() *node {
	return &node{
		op:     n.op,
		name:   n.name,
		at:     maps.Clone(n.at),
		inputs: xslices.Map(n.inputs, (*node).clone),
	}
}

// walk visits the tree depth-first, inputs in declaration order before the
// node itself. Argument and auxiliary-state listings, and the executor's
// array assignments, all follow this one order.
func (n *node) walk(visit func(*node)) {
	for _, in := range n.inputs {
		in.walk(visit)
	}
	visit(n)
}

// arguments returns the distinct variable names of the tree, in walk order.
func (n *node) arguments() []string {
	var names []string
	seen := types.MakeSet[string]()
	n.walk(func(m *node) {
		if m.isVariable() && !seen.Has(m.name) {
			seen.Insert(m.name)
			names = append(names, m.name)
		}
	})
	return names
}

// auxiliaryStates returns the namespaced auxiliary-state names contributed
// by the tree's operators, in walk order.
func (n *node) auxiliaryStates() []string {
	var names []string
	n.walk(func(m *node) {
		if m.isVariable() {
			return
		}
		for _, suffix := range m.def().auxNames {
			names = append(names, m.name+"_"+suffix)
		}
	})
	return names
}

func (e *Engine) lookupSymbolLocked(h engines.SymbolHandle) (*node, error) {
	n, found := e.symbols[h]
	if !found {
		return nil, errors.Errorf("invalid symbol handle %#x: unknown to engine (%s), or already freed", uintptr(h), EngineName)
	}
	return n, nil
}

// CreateAtomicSymbol instantiates an operator as an unconnected graph node.
func (e *Engine) CreateAtomicSymbol(op engines.OperatorHandle, keys, values []string) (engines.SymbolHandle, error) {
	def, err := opByHandle(op)
	if err != nil {
		return 0, err
	}
	if def.inferShape == nil {
		return 0, errors.Errorf("operator %q cannot be used in a symbolic graph", def.name)
	}
	at, err := makeAttrs(keys, values)
	if err != nil {
		return 0, errors.WithMessagef(err, "creating symbol for operator %q", def.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := engines.SymbolHandle(e.newHandleLocked())
	e.symbols[h] = &node{op: opsByName[def.name], at: at}
	return h, nil
}

// CreateVariable creates a named leaf node.
func (e *Engine) CreateVariable(name string) (engines.SymbolHandle, error) {
	if name == "" {
		return 0, errors.Errorf("variable name must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := engines.SymbolHandle(e.newHandleLocked())
	e.symbols[h] = &node{op: variableOp, name: name}
	return h, nil
}

// Compose connects args as the inputs of target and names the node. With nil
// keys the args fill the operator's input slots in order; otherwise keys
// names the slot each arg feeds. Optional trailing slots (e.g. the bias of a
// FullyConnected with no_bias) may be left unfilled. The args are cloned:
// the caller may free them immediately afterwards.
func (e *Engine) Compose(target engines.SymbolHandle, name string, keys []string, args []engines.SymbolHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupSymbolLocked(target)
	if err != nil {
		return err
	}
	if n.isVariable() {
		return errors.Errorf("cannot compose inputs into variable %q", n.name)
	}
	def := n.def()
	if len(n.inputs) > 0 {
		return errors.Errorf("symbol %q (operator %s) is already composed", n.name, def.name)
	}
	if keys != nil && len(keys) != len(args) {
		return errors.Errorf("composing %s: got %d keys for %d args", def.name, len(keys), len(args))
	}
	if len(args) == 0 || len(args) > len(def.argNames) {
		return errors.Errorf("composing %s: operator takes between 1 and %d inputs, got %d", def.name, len(def.argNames), len(args))
	}

	slots := make([]*node, len(def.argNames))
	for i, argHandle := range args {
		arg, err := e.lookupSymbolLocked(argHandle)
		if err != nil {
			return errors.WithMessagef(err, "composing %s, input %d", def.name, i)
		}
		slot := i
		if keys != nil {
			slot = slices.Index(def.argNames, keys[i])
			if slot < 0 {
				return errors.Errorf("composing %s: operator has no input named %q", def.name, keys[i])
			}
		}
		if slots[slot] != nil {
			return errors.Errorf("composing %s: input %q given twice", def.name, def.argNames[slot])
		}
		slots[slot] = arg.clone()
	}
	filled := len(slots)
	for filled > 0 && slots[filled-1] == nil {
		filled--
	}
	for i := 0; i < filled; i++ {
		if slots[i] == nil {
			return errors.Errorf("composing %s: input %q not given", def.name, def.argNames[i])
		}
	}

	if name == "" {
		name = fmt.Sprintf("%s%d", strings.ToLower(def.name), e.autoName)
		e.autoName++
	}
	n.name = name
	n.inputs = slots[:filled]
	return nil
}

// ListArguments returns the graph's distinct variable names, in the order
// Bind expects their arrays.
func (e *Engine) ListArguments(h engines.SymbolHandle) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupSymbolLocked(h)
	if err != nil {
		return nil, err
	}
	return n.arguments(), nil
}

// ListAuxiliaryStates returns the graph's namespaced auxiliary-state names,
// in the order Bind expects their arrays.
func (e *Engine) ListAuxiliaryStates(h engines.SymbolHandle) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupSymbolLocked(h)
	if err != nil {
		return nil, err
	}
	return n.auxiliaryStates(), nil
}

// SymbolName returns the name of the node; atomic nodes are unnamed until
// composed.
func (e *Engine) SymbolName(h engines.SymbolHandle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupSymbolLocked(h)
	if err != nil {
		return "", err
	}
	return n.name, nil
}

// PrintSymbol renders a human-readable description of the graph rooted at
// the node. The rendering is deterministic: keyword attributes print in
// sorted order.
func (e *Engine) PrintSymbol(h engines.SymbolHandle) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.lookupSymbolLocked(h)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	title := n.name
	if title == "" {
		title = "(unnamed)"
	}
	fmt.Fprintf(&sb, "Symbol %s\n", title)
	printNode(&sb, n, 1)
	return sb.String(), nil
}

func printNode(sb *strings.Builder, n *node, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.isVariable() {
		fmt.Fprintf(sb, "%sVariable:%s\n", indent, n.name)
		return
	}
	fmt.Fprintf(sb, "%sOp:%s", indent, n.def().name)
	if n.name != "" {
		fmt.Fprintf(sb, " name=%s", n.name)
	}
	for _, key := range slices.Sorted(maps.Keys(n.at)) {
		fmt.Fprintf(sb, " %s=%s", key, n.at[key])
	}
	sb.WriteString("\n")
	for _, in := range n.inputs {
		printNode(sb, in, depth+1)
	}
}

// FreeSymbol releases the node. Graphs composed from it hold their own
// clones and are unaffected.
func (e *Engine) FreeSymbol(h engines.SymbolHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.lookupSymbolLocked(h); err != nil {
		return err
	}
	delete(e.symbols, h)
	return nil
}
