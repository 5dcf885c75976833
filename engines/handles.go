package engines

// Handles are address-sized identifiers naming one engine-side object. The
// binding layer never dereferences them; it only passes them back to engine
// calls. The zero value is the null handle, meaning "no object".
//
// Each kind of engine object gets its own handle type so that a symbol handle
// cannot be passed where an array handle is expected.

// ArrayHandle names one engine-side NDArray.
type ArrayHandle uintptr

// SymbolHandle names one engine-side symbolic graph node.
type SymbolHandle uintptr

// ExecutorHandle names one engine-side bound executor.
type ExecutorHandle uintptr

// OperatorHandle names one engine-side operator descriptor. Operator
// descriptors live for the whole life of the engine and are never freed
// individually.
type OperatorHandle uintptr

// IsNull reports whether the handle names no object.
func (h ArrayHandle) IsNull() bool { return h == 0 }

// IsNull reports whether the handle names no object.
func (h SymbolHandle) IsNull() bool { return h == 0 }

// IsNull reports whether the handle names no object.
func (h ExecutorHandle) IsNull() bool { return h == 0 }

// IsNull reports whether the handle names no object.
func (h OperatorHandle) IsNull() bool { return h == 0 }
