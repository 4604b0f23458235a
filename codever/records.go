package codever

import "sync/atomic"

// ---------------------------------------------------------------------------
// Version records
// ---------------------------------------------------------------------------
// Records are the raw linked-list nodes owned by the CodeVersionManager.
// They are allocated under the table lock, linked once, and never removed;
// the graph leaks until teardown, which is a documented lifecycle rule of
// this design rather than an oversight. All mutable fields are guarded by
// the table lock except native entry points, which are published once with
// an atomic compare-and-set.

// ILVersionID identifies one IL body of a method definition. ID 0 is
// reserved for the original (default) body and is never assigned to an
// explicit record.
type ILVersionID uint64

// DefaultILVersionID is the implicit version id of a method's original IL.
const DefaultILVersionID ILVersionID = 0

// NativeVersionID identifies one compiled body within a method's lifetime.
// ID 0 is reserved for the implicit original compilation.
type NativeVersionID uint32

// RejitState is the request/response state of one explicit IL version.
type RejitState uint8

const (
	// RejitRequested: the version exists but its replacement IL has not
	// been asked for yet. It acts as a standing pre-rejit placeholder.
	RejitRequested RejitState = iota

	// RejitGettingParameters: one thread is calling out to the requester
	// for the replacement IL and flags. Other threads wait.
	RejitGettingParameters

	// RejitActive: IL and flags are captured (or the fetch failed and the
	// version fell back to the original IL); compilations may proceed.
	RejitActive

	// RejitReverted: superseded or explicitly reverted. Terminal.
	RejitReverted
)

func (s RejitState) String() string {
	switch s {
	case RejitRequested:
		return "requested"
	case RejitGettingParameters:
		return "getting-parameters"
	case RejitActive:
		return "active"
	case RejitReverted:
		return "reverted"
	}
	return "unknown"
}

// Tier tags a native body with its optimization level.
type Tier uint8

const (
	// Tier0 is the fast, low-optimization initial compilation.
	Tier0 Tier = iota

	// Tier1 is the optimized recompilation hot methods are promoted to.
	Tier1
)

func (t Tier) String() string {
	if t == Tier1 {
		return "tier1"
	}
	return "tier0"
}

// OffsetMapping is one entry of the instrumented IL offset map a requester
// may attach to a version. The core passes the map through unmodified.
type OffsetMapping struct {
	OldOffset uint32
	NewOffset uint32
}

// ILCodeVersionRecord is one explicit IL body for a (module, methodDef)
// pair, linked most-recently-added first off the manager's table.
type ILCodeVersionRecord struct {
	key   MethodKey
	id    ILVersionID
	state RejitState

	il       []byte          // nil means "use the original IL"
	flags    CodegenFlags    // codegen requests captured with the IL
	instrMap []OffsetMapping // opaque instrumentation map, nil if none

	exposed bool // version id has been handed to the requester

	next *ILCodeVersionRecord
}

// NativeCodeVersionRecord is one compiled body of a method instance, linked
// off that instance's MethodVersioningState.
type NativeCodeVersionRecord struct {
	method *MethodInstance
	id     NativeVersionID
	ilID   ILVersionID
	tier   Tier

	entry       atomic.Uintptr // 0 until compilation completes
	activeChild bool           // guarded by the table lock

	next *NativeCodeVersionRecord
}

// ---------------------------------------------------------------------------
// Version handles
// ---------------------------------------------------------------------------
// A handle is either Explicit (wrapping a record) or Default (synthesized
// for the method's original body, which has no record). Each accessor
// switches on which variant it holds.

// ILCodeVersion is a handle to one IL body: the implicit default body or an
// explicit record. The zero value is invalid; test with Valid.
type ILCodeVersion struct {
	rec *ILCodeVersionRecord // nil for the default variant
	key MethodKey
}

// DefaultILVersion synthesizes the handle for a method's original IL body.
func DefaultILVersion(key MethodKey) ILCodeVersion {
	return ILCodeVersion{key: key}
}

// Valid reports whether the handle refers to any version at all.
func (v ILCodeVersion) Valid() bool {
	return v.rec != nil || v.key.Module != nil
}

// IsDefault reports whether this is the implicit original body.
func (v ILCodeVersion) IsDefault() bool {
	return v.rec == nil
}

// Key returns the owning (module, methodDef) pair.
func (v ILCodeVersion) Key() MethodKey {
	if v.rec != nil {
		return v.rec.key
	}
	return v.key
}

// VersionID returns the version's id; 0 for the default body.
func (v ILCodeVersion) VersionID() ILVersionID {
	if v.rec == nil {
		return DefaultILVersionID
	}
	return v.rec.id
}

// RejitState returns the version's request state. The default body is
// always considered active.
func (v ILCodeVersion) RejitState() RejitState {
	if v.rec == nil {
		return RejitActive
	}
	return v.rec.state
}

// IL returns the replacement IL bytes, or nil for "use the original IL".
// The default body always reports nil.
func (v ILCodeVersion) IL() []byte {
	if v.rec == nil {
		return nil
	}
	return v.rec.il
}

// Flags returns the codegen flags captured with this version.
func (v ILCodeVersion) Flags() CodegenFlags {
	if v.rec == nil {
		return CodegenDefault
	}
	return v.rec.flags
}

// InstrumentedMap returns the instrumented offset map, or nil.
func (v ILCodeVersion) InstrumentedMap() []OffsetMapping {
	if v.rec == nil {
		return nil
	}
	return v.rec.instrMap
}

// Exposed reports whether the version id has already been handed out to the
// requester. A Requested version that is not yet exposed may be reused to
// collapse duplicate concurrent requests.
func (v ILCodeVersion) Exposed() bool {
	return v.rec != nil && v.rec.exposed
}

// SetRejitState transitions the version's state. Caller must hold the table
// lock. The default body has no state to transition.
func (v ILCodeVersion) SetRejitState(s RejitState) {
	assert(v.rec != nil, "default IL version is immutable")
	v.rec.state = s
}

// SetParameters captures the replacement IL, flags, and instrumentation map
// fetched from the requester. Caller must hold the table lock.
func (v ILCodeVersion) SetParameters(il []byte, flags CodegenFlags, instrMap []OffsetMapping) {
	assert(v.rec != nil, "default IL version is immutable")
	v.rec.il = il
	v.rec.flags = flags
	v.rec.instrMap = instrMap
}

// MarkExposed records that the version id has been reported to the
// requester. Caller must hold the table lock.
func (v ILCodeVersion) MarkExposed() {
	assert(v.rec != nil, "default IL version is immutable")
	v.rec.exposed = true
}

// NativeCodeVersion is a handle to one compiled body: the implicit original
// compilation or an explicit record.
type NativeCodeVersion struct {
	rec    *NativeCodeVersionRecord // nil for the default variant
	method *MethodInstance
	state  *MethodVersioningState // nil when the method was never versioned
}

// DefaultNativeVersion synthesizes the handle for a method's original
// compiled body.
func DefaultNativeVersion(m *MethodInstance, state *MethodVersioningState) NativeCodeVersion {
	return NativeCodeVersion{method: m, state: state}
}

// Valid reports whether the handle refers to any version at all.
func (v NativeCodeVersion) Valid() bool {
	return v.rec != nil || v.method != nil
}

// IsDefault reports whether this is the implicit original compilation.
func (v NativeCodeVersion) IsDefault() bool {
	return v.rec == nil
}

// Method returns the owning method instance.
func (v NativeCodeVersion) Method() *MethodInstance {
	if v.rec != nil {
		return v.rec.method
	}
	return v.method
}

// VersionID returns the version's id; 0 for the default body.
func (v NativeCodeVersion) VersionID() NativeVersionID {
	if v.rec == nil {
		return 0
	}
	return v.rec.id
}

// ILVersionID returns the id of the IL version this body was compiled from.
func (v NativeCodeVersion) ILVersionID() ILVersionID {
	if v.rec == nil {
		return DefaultILVersionID
	}
	return v.rec.ilID
}

// Tier returns the body's optimization tier.
func (v NativeCodeVersion) Tier() Tier {
	if v.rec == nil {
		return Tier0
	}
	return v.rec.tier
}

// Entry returns the compiled entry point, or 0 if compilation has not
// completed.
func (v NativeCodeVersion) Entry() uintptr {
	if v.rec == nil {
		return v.Method().NativeEntry()
	}
	return v.rec.entry.Load()
}

// PublishEntry installs the compiled entry point exactly once.
func (v NativeCodeVersion) PublishEntry(p uintptr) bool {
	if v.rec == nil {
		return v.Method().PublishNativeEntry(p)
	}
	return v.rec.entry.CompareAndSwap(0, p)
}

// IsActiveChild reports whether this body is the active child of its IL
// version. Caller must hold the table lock for a stable answer.
func (v NativeCodeVersion) IsActiveChild() bool {
	if v.rec != nil {
		return v.rec.activeChild
	}
	if v.state == nil {
		// Never versioned: the original body is trivially active.
		return true
	}
	return v.state.defaultActive
}
