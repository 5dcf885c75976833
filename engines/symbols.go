package engines

// SymbolInterface is the Engine sub-interface that builds and inspects
// symbolic graph nodes.
type SymbolInterface interface {
	// CreateAtomicSymbol instantiates the operator as an unconnected graph
	// node, configured by the keys/values keyword parameters.
	CreateAtomicSymbol(op OperatorHandle, keys, values []string) (SymbolHandle, error)

	// CreateVariable creates a named leaf node.
	CreateVariable(name string) (SymbolHandle, error)

	// Compose connects args as the inputs of target, naming the composed
	// node. If keys is non-nil it must have one entry per arg, naming which
	// input slot each arg feeds; with nil keys, args fill the operator's
	// declared input slots in order. Compose copies what it needs: the args
	// may be freed immediately afterwards.
	Compose(target SymbolHandle, name string, keys []string, args []SymbolHandle) error

	// ListArguments returns the names of the graph's arguments -- the leaf
	// variables -- in the order Bind expects their arrays to be supplied.
	ListArguments(h SymbolHandle) ([]string, error)

	// ListAuxiliaryStates returns the names of the graph's auxiliary states:
	// engine-tracked values (e.g. running statistics) that are not arguments
	// and receive no gradient, in the order Bind expects them.
	ListAuxiliaryStates(h SymbolHandle) ([]string, error)

	// SymbolName returns the name of the node, or "" for unnamed atomic
	// nodes.
	SymbolName(h SymbolHandle) (string, error)

	// PrintSymbol renders a human-readable description of the graph rooted
	// at the node, for debugging.
	PrintSymbol(h SymbolHandle) (string, error)

	// FreeSymbol releases the node. Graphs composed from it keep their own
	// copies and are unaffected.
	FreeSymbol(h SymbolHandle) error
}
