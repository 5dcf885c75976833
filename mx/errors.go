package mx

import (
	"fmt"

	"github.com/pkg/errors"
)

// The binding reports failures through four distinguishable kinds:
//
//   - ErrHandleInvalid: an operation touched a handle that is null or was
//     already freed. Recoverable in principle -- fix the call.
//   - NativeCallError: the engine reported a failure for one specific call.
//     The error value carries the engine's message; nothing is overwritten
//     by later calls.
//   - ConsistencyError: wrapper-side bookkeeping caught a programming
//     error, e.g. a host slice of the wrong length or a diverged variable
//     name.
//   - ExecutorStateError: an executor call out of order, e.g. Backward with
//     no preceding gradients-mode Forward.
//
// A fifth kind never reaches the caller: when the engine fails to free a
// handle, or the live-handle counter would go negative, the process aborts
// (see resource.free). Both mean the lifecycle bookkeeping is corrupted and
// may be raised from cleanup paths with no caller left to observe an error.

// ErrHandleInvalid reports an operation on a handle that is null or was
// already freed. Test with errors.Is; it is usually wrapped with the
// operation and the argument position.
var ErrHandleInvalid = errors.New("handle is null or was already freed")

// NativeCallError reports the failure of one engine call: Op names the
// call, Err is the error the engine returned.
type NativeCallError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NativeCallError) Error() string {
	return fmt.Sprintf("engine call %s: %v", e.Op, e.Err)
}

// Unwrap returns the engine's error.
func (e *NativeCallError) Unwrap() error { return e.Err }

// nativeErr wraps an engine failure into a *NativeCallError. A nil err
// passes through as nil.
func nativeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &NativeCallError{Op: op, Err: err}
}

// ConsistencyError reports wrapper-side bookkeeping catching a programming
// error: mismatched lengths or shapes, an engine dtype that does not match
// the wrapper's element type, or a variable name diverging from the
// engine's.
type ConsistencyError struct {
	Message string
}

// Error implements the error interface.
func (e *ConsistencyError) Error() string { return e.Message }

func consistencyf(format string, args ...any) error {
	return &ConsistencyError{Message: fmt.Sprintf(format, args...)}
}

// ExecutorStateError reports executor calls made out of order: Backward
// without a preceding Forward in gradients mode, or output targets that are
// not empty wrappers.
type ExecutorStateError struct {
	Message string
}

// Error implements the error interface.
func (e *ExecutorStateError) Error() string { return e.Message }

func executorStatef(format string, args ...any) error {
	return &ExecutorStateError{Message: fmt.Sprintf(format, args...)}
}
