package codever

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is the error returned when a record allocation fails. It is
// the only error allowed to abort a whole batch partway through; every
// allocation site leaves prior state untouched on this path. This may be
// wrapped in another error, and should normally be tested using
// errors.Is(err, ErrOutOfMemory).
var ErrOutOfMemory = errors.New("allocation failed")

// ErrInvalidArgument is reported per item for malformed method identifiers.
var ErrInvalidArgument = errors.New("invalid method identifier")

// ErrModuleUnloading is reported per item when the owning module is being
// unloaded and its method data is incomplete.
var ErrModuleUnloading = errors.New("module is unloading; method data incomplete")

// ErrDynamicModule is reported per item for runtime-generated, non-persistent
// modules, which cannot be rejitted.
var ErrDynamicModule = errors.New("method belongs to a dynamic module")

// ErrNoActiveRequest is the distinguished result for reverting a method that
// has no outstanding rejit request. No state is mutated on this path.
var ErrNoActiveRequest = errors.New("no active rejit request found")

// ErrNotCompiled is returned when an operation needs a native entry point and
// the method has never been compiled.
var ErrNotCompiled = errors.New("method has no native code")

// BatchError records one per-item failure inside a batch operation. The
// batch keeps going past individual failures; callers report the collected
// errors after the batch completes and execution has resumed.
type BatchError struct {
	Module *Module
	Token  MethodToken
	Method *MethodInstance // nil when the failure preceded instantiation lookup
	Err    error
}

func (e BatchError) Error() string {
	name := "?"
	if e.Module != nil {
		name = e.Module.Name
	}
	return fmt.Sprintf("%s:0x%08x: %v", name, uint32(e.Token), e.Err)
}

func (e BatchError) Unwrap() error {
	return e.Err
}

// assert panics on impossible states. These are programming-error detections
// (for example, finding a jump stamp already present where the state machine
// says none can be), not recoverable runtime errors.
func assert(cond bool, msg string) {
	if !cond {
		panic("codever: " + msg)
	}
}
