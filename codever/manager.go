package codever

import (
	"sync"

	"github.com/reforgevm/reforge/patch"
)

// ---------------------------------------------------------------------------
// Table lock
// ---------------------------------------------------------------------------

// TableLock is the manager's single coarse-grained lock. Every mutation of
// the version graph and every state-machine transition happens under it. It
// is safe to hold during teardown, and must never be held across a callback
// into the requester or the compiler: those calls happen after release, with
// their results re-validated under the lock before committing.
type TableLock struct {
	mu sync.Mutex
}

// TableGuard is the scoped acquisition of a TableLock. Mutating manager
// operations take the guard as an argument, so acquisition is syntactically
// forced; Release is idempotent so error paths can defer it.
type TableGuard struct {
	lock     *TableLock
	released bool
}

// Acquire takes the lock and returns its guard.
func (l *TableLock) Acquire() *TableGuard {
	l.mu.Lock()
	return &TableGuard{lock: l}
}

// Release drops the lock. Safe to call more than once.
func (g *TableGuard) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.lock.mu.Unlock()
}

// mustHold panics if the guard does not currently hold lock l. This is how
// manager entry points assert their locking contract.
func (g *TableGuard) mustHold(l *TableLock) {
	assert(g != nil && !g.released && g.lock == l, "operation requires the table lock")
}

// ---------------------------------------------------------------------------
// CodeVersionManager
// ---------------------------------------------------------------------------

// CodeVersionManager owns the version graph for one isolation domain: the
// (module, methodDef) → IL-version lists, the per-instance native-version
// lists, and the jump-stamp state of every versioned method. One table lock
// guards all of it.
type CodeVersionManager struct {
	lock TableLock

	// Patcher applies byte patches to live code; Redirector is the
	// trampoline address freshly-stamped methods jump to.
	Patcher    *patch.Patcher
	Redirector uintptr

	ilHeads map[MethodKey]*ILCodeVersionRecord // most-recently-added first
	active  map[MethodKey]*ILCodeVersionRecord // explicit active version, absent = default

	// states maps *MethodInstance → *MethodVersioningState. It is a
	// sync.Map so GetMethodVersioningState can probe without the table
	// lock; all writes still happen under it.
	states sync.Map

	// allocHook, when non-nil, is consulted before every record
	// allocation. Fault-injection tests use it to simulate allocation
	// failure; the hook returning an error makes the allocation site
	// return ErrOutOfMemory with no state modified.
	allocHook func() error
}

// NewCodeVersionManager creates an empty manager patching through p, with
// redirector as the compilation-dispatch trampoline.
func NewCodeVersionManager(p *patch.Patcher, redirector uintptr) *CodeVersionManager {
	return &CodeVersionManager{
		Patcher:    p,
		Redirector: redirector,
		ilHeads:    make(map[MethodKey]*ILCodeVersionRecord),
		active:     make(map[MethodKey]*ILCodeVersionRecord),
	}
}

// Lock acquires the table lock.
func (m *CodeVersionManager) Lock() *TableGuard {
	return m.lock.Acquire()
}

func (m *CodeVersionManager) alloc() error {
	if m.allocHook != nil {
		if err := m.allocHook(); err != nil {
			return ErrOutOfMemory
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// IL version operations
// ---------------------------------------------------------------------------

// GetILCodeVersions returns an iterator over all IL versions of a method
// definition: the implicit default version first, then explicit versions
// most-recently-added first. The iterator walks the live list; the caller
// must hold the lock for the whole iteration.
func (m *CodeVersionManager) GetILCodeVersions(g *TableGuard, key MethodKey) *ILVersionIterator {
	g.mustHold(&m.lock)
	return &ILVersionIterator{key: key, cursor: m.ilHeads[key]}
}

// GetActiveILCodeVersion returns the version new compilations should use:
// the explicit active version if one is set and not reverted, else the
// implicit default.
func (m *CodeVersionManager) GetActiveILCodeVersion(g *TableGuard, key MethodKey) ILCodeVersion {
	g.mustHold(&m.lock)
	if rec := m.active[key]; rec != nil && rec.state != RejitReverted {
		return ILCodeVersion{rec: rec}
	}
	return DefaultILVersion(key)
}

// SetActiveILCodeVersion designates which IL version new compilations use.
// Passing the default version clears any explicit mapping.
func (m *CodeVersionManager) SetActiveILCodeVersion(g *TableGuard, v ILCodeVersion) {
	g.mustHold(&m.lock)
	key := v.Key()
	if v.IsDefault() {
		delete(m.active, key)
		return
	}
	m.active[key] = v.rec
}

// AddILCodeVersion allocates a new explicit IL version in Requested state
// and links it as the new head for its method definition. It does not
// change which version is active.
func (m *CodeVersionManager) AddILCodeVersion(g *TableGuard, key MethodKey, id ILVersionID) (ILCodeVersion, error) {
	g.mustHold(&m.lock)
	assert(id != DefaultILVersionID, "explicit IL version cannot use the default id")
	if err := m.alloc(); err != nil {
		return ILCodeVersion{}, err
	}
	rec := &ILCodeVersionRecord{
		key:   key,
		id:    id,
		state: RejitRequested,
		next:  m.ilHeads[key],
	}
	m.ilHeads[key] = rec
	return ILCodeVersion{rec: rec}, nil
}

// ---------------------------------------------------------------------------
// Native version operations
// ---------------------------------------------------------------------------

// GetMethodVersioningState returns the versioning state for a method, or nil
// if the method was never rejitted or retiered. This is a read-only probe
// and is legal without the table lock; fields of the returned state still
// require the lock.
func (m *CodeVersionManager) GetMethodVersioningState(mi *MethodInstance) *MethodVersioningState {
	if v, ok := m.states.Load(mi); ok {
		return v.(*MethodVersioningState)
	}
	return nil
}

// EnsureVersioningState looks up or lazily creates the versioning state for
// a method. Creation fails with ErrOutOfMemory if allocation fails, leaving
// the table unmodified.
func (m *CodeVersionManager) EnsureVersioningState(g *TableGuard, mi *MethodInstance) (*MethodVersioningState, error) {
	return m.getOrCreateState(g, mi)
}

// getOrCreateState looks up or creates the versioning state for a method.
func (m *CodeVersionManager) getOrCreateState(g *TableGuard, mi *MethodInstance) (*MethodVersioningState, error) {
	g.mustHold(&m.lock)
	if s := m.GetMethodVersioningState(mi); s != nil {
		return s, nil
	}
	if err := m.alloc(); err != nil {
		return nil, err
	}
	s := newMethodVersioningState(mi)
	m.states.Store(mi, s)
	return s, nil
}

// AddNativeCodeVersion allocates a new native version bound to il for the
// given method instance and links it into the instance's version list. If
// the bound IL version has no active child yet, the new record becomes it
// immediately (first-added-is-active); otherwise it starts inactive and a
// later activation flips it.
func (m *CodeVersionManager) AddNativeCodeVersion(g *TableGuard, il ILCodeVersion, mi *MethodInstance, tier Tier) (NativeCodeVersion, error) {
	g.mustHold(&m.lock)
	state, err := m.getOrCreateState(g, mi)
	if err != nil {
		return NativeCodeVersion{}, err
	}
	if err := m.alloc(); err != nil {
		return NativeCodeVersion{}, err
	}
	rec := &NativeCodeVersionRecord{
		method: mi,
		id:     state.nextID,
		ilID:   il.VersionID(),
		tier:   tier,
		next:   state.head,
	}
	rec.activeChild = !m.hasActiveChild(state, il.VersionID())
	state.nextID++
	state.head = rec
	return NativeCodeVersion{rec: rec, method: mi, state: state}, nil
}

// hasActiveChild reports whether any body — implicit or explicit — is
// currently the active child of the given IL version for this method.
func (m *CodeVersionManager) hasActiveChild(state *MethodVersioningState, ilID ILVersionID) bool {
	if ilID == DefaultILVersionID && state.defaultActive && state.method.IsCompiled() {
		return true
	}
	for rec := state.head; rec != nil; rec = rec.next {
		if rec.ilID == ilID && rec.activeChild {
			return true
		}
	}
	return false
}

// SetActiveNativeChild makes v the active child of its IL version,
// demoting whichever body held the role.
func (m *CodeVersionManager) SetActiveNativeChild(g *TableGuard, v NativeCodeVersion) {
	g.mustHold(&m.lock)
	state := v.state
	if state == nil {
		state = m.GetMethodVersioningState(v.Method())
	}
	assert(state != nil, "activating a native version without versioning state")
	for rec := state.head; rec != nil; rec = rec.next {
		if rec.ilID == v.ILVersionID() {
			rec.activeChild = rec == v.rec
		}
	}
	if v.ILVersionID() == DefaultILVersionID {
		state.defaultActive = v.rec == nil
	}
}

// ClaimInflight marks v as the single native version allowed to be heading
// toward the method's stamp target. Returns false if another version holds
// the claim.
func (m *CodeVersionManager) ClaimInflight(g *TableGuard, v NativeCodeVersion) bool {
	g.mustHold(&m.lock)
	state := v.state
	if state == nil {
		state = m.GetMethodVersioningState(v.Method())
	}
	assert(state != nil && v.rec != nil, "claiming inflight without versioning state")
	return state.ClaimInflight(v.rec)
}

// ReleaseInflight drops v's in-flight claim once its stamp update committed
// or its compilation was abandoned.
func (m *CodeVersionManager) ReleaseInflight(g *TableGuard, v NativeCodeVersion) {
	g.mustHold(&m.lock)
	state := v.state
	if state == nil {
		state = m.GetMethodVersioningState(v.Method())
	}
	if state != nil && v.rec != nil {
		state.ReleaseInflight(v.rec)
	}
}

// GetNativeCodeVersions returns an iterator over a method's native bodies,
// optionally filtered to one IL version (nil means all). The implicit
// original body is yielded first when it matches the filter, unless the
// method's versioning state has moved the active mapping off the default.
// Caller must hold the lock for the whole iteration.
func (m *CodeVersionManager) GetNativeCodeVersions(g *TableGuard, mi *MethodInstance, filter *ILVersionID) *NativeVersionIterator {
	g.mustHold(&m.lock)
	state := m.GetMethodVersioningState(mi)
	return &NativeVersionIterator{method: mi, state: state, filter: filter}
}

// ---------------------------------------------------------------------------
// Batched jump-stamp updates
// ---------------------------------------------------------------------------

// BatchUpdateJumpStamps reverts the stamps of every method in undo and
// installs redirector stamps for every method in redirect. Execution must
// already be suspended: both paths take the quiesced patch protocol. The
// batch continues past per-item failures, appending each to errs; only an
// allocation failure while recording aborts the whole batch.
func (m *CodeVersionManager) BatchUpdateJumpStamps(g *TableGuard, undo, redirect []*MethodInstance, errs *[]BatchError) error {
	g.mustHold(&m.lock)

	record := func(mi *MethodInstance, err error) error {
		if aerr := m.alloc(); aerr != nil {
			return aerr
		}
		*errs = append(*errs, BatchError{
			Module: mi.Module,
			Token:  mi.Token,
			Method: mi,
			Err:    err,
		})
		return nil
	}

	for _, mi := range undo {
		state := m.GetMethodVersioningState(mi)
		if state == nil {
			continue
		}
		if err := state.RevertStamp(m.Patcher); err != nil {
			if rerr := record(mi, err); rerr != nil {
				return rerr
			}
		}
	}
	for _, mi := range redirect {
		state, err := m.getOrCreateState(g, mi)
		if err == nil {
			err = state.InstallRedirectorStamp(m.Patcher, m.Redirector, false)
		}
		if err != nil {
			if rerr := record(mi, err); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Iterators
// ---------------------------------------------------------------------------

type ilIterStage uint8

const (
	ilStageInitial ilIterStage = iota
	ilStageList
	ilStageEnd
)

// ILVersionIterator walks a method definition's IL versions in a fixed
// order: default first, then explicit versions newest first. It is a
// restartable view of the live list, not a snapshot; hold the table lock
// across the iteration.
type ILVersionIterator struct {
	key    MethodKey
	stage  ilIterStage
	cursor *ILCodeVersionRecord
}

// Next returns the next version, or false when exhausted.
func (it *ILVersionIterator) Next() (ILCodeVersion, bool) {
	switch it.stage {
	case ilStageInitial:
		it.stage = ilStageList
		return DefaultILVersion(it.key), true
	case ilStageList:
		if it.cursor == nil {
			it.stage = ilStageEnd
			return ILCodeVersion{}, false
		}
		rec := it.cursor
		it.cursor = rec.next
		return ILCodeVersion{rec: rec}, true
	}
	return ILCodeVersion{}, false
}

type nativeIterStage uint8

const (
	nativeStageInitial nativeIterStage = iota
	nativeStageImplicit
	nativeStageList
	nativeStageEnd
)

// NativeVersionIterator walks a method instance's native bodies:
// Initial → ImplicitVersion → LinkedList → End, skipping the implicit stage
// when it does not match the filter or the default mapping has been
// displaced.
type NativeVersionIterator struct {
	method *MethodInstance
	state  *MethodVersioningState
	filter *ILVersionID
	stage  nativeIterStage
	cursor *NativeCodeVersionRecord
}

// Next returns the next version, or false when exhausted.
func (it *NativeVersionIterator) Next() (NativeCodeVersion, bool) {
	for {
		switch it.stage {
		case nativeStageInitial:
			it.stage = nativeStageImplicit
			if it.state != nil {
				it.cursor = it.state.head
			}
		case nativeStageImplicit:
			it.stage = nativeStageList
			if it.filter != nil && *it.filter != DefaultILVersionID {
				continue
			}
			if !it.method.IsCompiled() {
				continue
			}
			if it.state != nil && !it.state.defaultActive {
				// Explicit versioning has displaced the default mapping.
				continue
			}
			return DefaultNativeVersion(it.method, it.state), true
		case nativeStageList:
			for it.cursor != nil {
				rec := it.cursor
				it.cursor = rec.next
				if it.filter != nil && rec.ilID != *it.filter {
					continue
				}
				return NativeCodeVersion{rec: rec, method: it.method, state: it.state}, true
			}
			it.stage = nativeStageEnd
		default:
			return NativeCodeVersion{}, false
		}
	}
}
