package engines

// OperatorInfo describes one operator an engine provides: its name, a
// human-readable description and the names and descriptions of its
// positional arguments. Keyword parameters are passed as string key/value
// pairs and are engine specific.
type OperatorInfo struct {
	Name                 string
	Description          string
	ArgumentNames        []string
	ArgumentDescriptions []string
}

// OperatorInterface is the Engine sub-interface that enumerates operator
// descriptors and dispatches imperative operator calls.
type OperatorInterface interface {
	// Operators returns handles to every operator descriptor the engine
	// provides. The set is fixed for the life of the engine.
	Operators() ([]OperatorHandle, error)

	// OperatorName returns the name of the operator, e.g. "FullyConnected"
	// or "_plus_scalar".
	OperatorName(op OperatorHandle) (string, error)

	// OperatorInfo returns the full descriptor of the operator.
	OperatorInfo(op OperatorHandle) (OperatorInfo, error)

	// InvokeOperator applies the operator imperatively: inputs are read,
	// outputs are written, keys/values carry the keyword parameters. An
	// output may be one of the inputs (in-place evaluation). The engine
	// enqueues the work; it is visible after synchronizing the outputs.
	InvokeOperator(op OperatorHandle, inputs, outputs []ArrayHandle, keys, values []string) error
}
