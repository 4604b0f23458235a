package codever

// ---------------------------------------------------------------------------
// External capabilities
// ---------------------------------------------------------------------------
// The versioning core never compiles code, stops threads, or schedules work
// itself; it consumes those as narrow capabilities so the protocol layer can
// be tested against in-process fakes.

// CodegenFlags is the bitset of code-generation requests attached to an IL
// version and passed through to the compiler.
type CodegenFlags uint32

const (
	// CodegenDefault requests no special treatment.
	CodegenDefault CodegenFlags = 0

	// CodegenDisableInlining forbids inlining into the compiled body.
	CodegenDisableInlining CodegenFlags = 1 << iota

	// CodegenDisableOptimizations compiles at minimal optimization.
	CodegenDisableOptimizations

	// CodegenTrackInstrumentation records the instrumented offset map for
	// the debugger.
	CodegenTrackInstrumentation
)

// Compiler is the opaque native-code backend. A nil IL slice means "compile
// the method's original body". Failure is a recoverable event for callers:
// the method keeps running whatever body it already has.
type Compiler interface {
	Compile(m *MethodInstance, il []byte, flags CodegenFlags) (uintptr, error)
}

// Suspender is the thread-suspension engine: Suspend stops all mutator
// threads at safe points, Resume restarts them. The versioning core brackets
// at most one Suspend/Resume pair around each batch of jump-stamp updates,
// and Resume always follows Suspend, including on error paths.
type Suspender interface {
	Suspend(reason string)
	Resume()
}

// WorkScheduler is the thread-pool capability: Queue schedules fn on a
// background worker thread.
type WorkScheduler interface {
	Queue(fn func())
}

// GoScheduler runs queued work on fresh goroutines. It is the default
// scheduler for embedders without their own pool.
type GoScheduler struct{}

// Queue implements WorkScheduler.
func (GoScheduler) Queue(fn func()) {
	go fn()
}

// InstantiationEnumerator walks the already-loaded, already-compiled
// instantiations of a method definition across all relevant isolation
// domains. Non-generic methods yield at most their single instance. The
// enumeration stops early if yield returns false.
type InstantiationEnumerator interface {
	EnumerateInstantiations(key MethodKey, yield func(*MethodInstance) bool)
}
