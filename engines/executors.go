package engines

// ForwardMode selects what a forward pass computes.
type ForwardMode int

const (
	// ForwardOutputs computes the graph outputs only.
	ForwardOutputs ForwardMode = iota

	// ForwardGradients computes the outputs and retains the intermediate
	// state a subsequent Backward needs.
	ForwardGradients
)

// String implements fmt.Stringer.
func (m ForwardMode) String() string {
	switch m {
	case ForwardOutputs:
		return "outputs"
	case ForwardGradients:
		return "gradients"
	}
	return "unknown"
}

// OpReq tells the engine what to do with the gradient computed for one
// argument slot during a backward pass.
type OpReq int

const (
	// OpReqNull discards the gradient; the slot's array is left untouched.
	OpReqNull OpReq = iota

	// OpReqWrite overwrites the slot's array with the gradient.
	OpReqWrite

	// OpReqInplace overwrites like OpReqWrite, but additionally tells the
	// engine the gradient buffer may share storage with a forward buffer.
	OpReqInplace

	// OpReqAdd accumulates: the gradient is added to the slot's current
	// contents.
	OpReqAdd
)

// String implements fmt.Stringer.
func (r OpReq) String() string {
	switch r {
	case OpReqNull:
		return "null"
	case OpReqWrite:
		return "write"
	case OpReqInplace:
		return "inplace"
	case OpReqAdd:
		return "add"
	}
	return "unknown"
}

// ExecutorInterface is the Engine sub-interface that binds symbolic graphs
// to concrete arrays and runs them.
type ExecutorInterface interface {
	// Bind attaches the graph to concrete arrays on one device and returns
	// the bound executor. args supplies one array per ListArguments entry,
	// in that order. gradients supplies the slot each argument's gradient is
	// written to during Backward -- a null handle means no gradient is
	// tracked for that argument -- and gradReqs the per-slot policy.
	// auxStates supplies one array per ListAuxiliaryStates entry. The
	// executor borrows the arrays; it never frees them.
	Bind(sym SymbolHandle, dev Device, args, gradients []ArrayHandle, gradReqs []OpReq, auxStates []ArrayHandle) (ExecutorHandle, error)

	// Forward runs the graph from the bound arguments to the outputs. With
	// ForwardGradients it also retains what Backward needs.
	Forward(h ExecutorHandle, mode ForwardMode) error

	// Backward propagates gradients to the bound gradient slots, honoring
	// each slot's OpReq. It requires state retained by a preceding
	// Forward with ForwardGradients.
	Backward(h ExecutorHandle) error

	// ExecutorOutputs returns one fresh array handle per graph output, each
	// aliasing the executor's live output buffer for that slot -- no copy is
	// made. Every call returns new handles; all handles for a slot alias the
	// same storage, and each must be freed independently. The storage is
	// released when its last alias is freed.
	ExecutorOutputs(h ExecutorHandle) ([]ArrayHandle, error)

	// FreeExecutor releases the executor and the internal buffers not
	// aliased by any outstanding output handle. Bound arrays are borrowed
	// and stay alive.
	FreeExecutor(h ExecutorHandle) error
}
