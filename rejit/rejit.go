// Package rejit coordinates recompilation requests from a profiling client:
// batches of (module, methodDef) pairs to rejit or revert, resolved against
// already-loaded instantiations, staged into jump-stamp batches, and applied
// under a single suspend/resume bracket. Per-item failures never abort a
// batch; they are collected and reported to the requester after execution
// has resumed.
package rejit

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/reforgevm/reforge/codever"
	"github.com/reforgevm/reforge/patch"
)

var log = commonlog.GetLogger("reforge.rejit")

// ParameterProvider is the outbound capability to the requester: asked once
// per IL version for the replacement IL, codegen flags, and instrumentation
// map. Any error is recovered locally by falling back to the original IL.
type ParameterProvider interface {
	GetReplacementParameters(module *codever.Module, token codever.MethodToken, control *FunctionControl) error
}

// ErrorReporter receives one callback per failed batch item, after the batch
// has finished and execution has resumed. method is nil when the failure
// preceded instantiation lookup.
type ErrorReporter interface {
	ReportError(module *codever.Module, token codever.MethodToken, method *codever.MethodInstance, err error)
}

// Options carries the collaborators a Coordinator needs.
type Options struct {
	Manager        *codever.CodeVersionManager
	Compiler       codever.Compiler
	Suspender      codever.Suspender
	Instantiations codever.InstantiationEnumerator
	Provider       ParameterProvider
	Reporter       ErrorReporter

	// EntryWaitInterval is how long a thread sleeps between polls while
	// another thread finishes compiling the body both of them need.
	EntryWaitInterval time.Duration
}

// Coordinator owns the rejit request/response protocol. All RequestReJIT
// and RequestRevert calls across the process serialize on its request lock,
// which is always acquired before any table lock and held for the whole
// batch: a single request can touch multiple methods and must appear atomic
// relative to other requests.
type Coordinator struct {
	requestMu sync.Mutex

	mgr       *codever.CodeVersionManager
	compiler  codever.Compiler
	suspender codever.Suspender
	enum      codever.InstantiationEnumerator
	provider  ParameterProvider
	reporter  ErrorReporter

	entryWait time.Duration

	// nextILID hands out process-global explicit IL version ids.
	nextILID atomic.Uint64

	// fetchMu/fetchCond park threads waiting for another thread's
	// in-flight parameter fetch. Waiters re-check the version state after
	// every wake.
	fetchMu   sync.Mutex
	fetchCond *sync.Cond
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.EntryWaitInterval <= 0 {
		opts.EntryWaitInterval = 50 * time.Millisecond
	}
	c := &Coordinator{
		mgr:       opts.Manager,
		compiler:  opts.Compiler,
		suspender: opts.Suspender,
		enum:      opts.Instantiations,
		provider:  opts.Provider,
		reporter:  opts.Reporter,
		entryWait: opts.EntryWaitInterval,
	}
	c.fetchCond = sync.NewCond(&c.fetchMu)
	return c
}

// ---------------------------------------------------------------------------
// RequestReJIT
// ---------------------------------------------------------------------------

// RequestReJIT asks for every listed method definition to be recompiled with
// requester-supplied IL. Validation and IL-version binding for all items
// happen first, under the table lock but before any suspension; then all
// jump-stamp installs for the batch run inside exactly one suspend/resume
// bracket (or zero, if nothing was compiled yet). Each item's error, if any,
// is reported through the ErrorReporter after execution resumes, and the
// collected errors are also returned.
func (c *Coordinator) RequestReJIT(keys []codever.MethodKey) []codever.BatchError {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	var errs []codever.BatchError
	var redirect []*codever.MethodInstance

	g := c.mgr.Lock()
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			errs = append(errs, codever.BatchError{Module: key.Module, Token: key.Token, Err: err})
			continue
		}
		ver, err := c.bindILVersion(g, key)
		if err != nil {
			errs = append(errs, codever.BatchError{Module: key.Module, Token: key.Token, Err: err})
			continue
		}
		c.mgr.SetActiveILCodeVersion(g, ver)

		// Classify the already-loaded instantiations. Methods that are
		// not compiled yet need nothing: the bound version is a standing
		// placeholder consulted at their first compilation. Non-IL
		// methods are silently skipped for consistency with that case,
		// and collectible assemblies are a coherent limitation, not an
		// error.
		c.enum.EnumerateInstantiations(key, func(mi *codever.MethodInstance) bool {
			if mi.NoBody || mi.Module.Collectible || !mi.IsCompiled() {
				return true
			}
			redirect = append(redirect, mi)
			return true
		})
	}
	g.Release()

	if len(redirect) > 0 {
		c.suspender.Suspend("rejit batch")
		g = c.mgr.Lock()
		batchErr := c.mgr.BatchUpdateJumpStamps(g, nil, redirect, &errs)
		g.Release()
		c.suspender.Resume()
		if batchErr != nil {
			// Allocation failure while recording: the only error that
			// aborts a batch partway.
			log.Errorf("rejit batch aborted: %s", batchErr.Error())
			errs = append(errs, codever.BatchError{Err: batchErr})
		}
	}

	c.report(errs)
	return errs
}

// bindILVersion reuses the key's pending Requested version when the
// requester has not seen its id yet (collapsing duplicate concurrent
// requests), or allocates a fresh version and supersedes the old one.
func (c *Coordinator) bindILVersion(g *codever.TableGuard, key codever.MethodKey) (codever.ILCodeVersion, error) {
	prior := c.mgr.GetActiveILCodeVersion(g, key)
	if !prior.IsDefault() && prior.RejitState() == codever.RejitRequested && !prior.Exposed() {
		return prior, nil
	}

	id := codever.ILVersionID(c.nextILID.Add(1))
	ver, err := c.mgr.AddILCodeVersion(g, key, id)
	if err != nil {
		return codever.ILCodeVersion{}, err
	}
	// Supersede only after the allocation succeeded, so an out-of-memory
	// failure leaves the prior version untouched.
	if !prior.IsDefault() && prior.RejitState() != codever.RejitReverted {
		prior.SetRejitState(codever.RejitReverted)
	}
	return ver, nil
}

// ---------------------------------------------------------------------------
// RequestRevert
// ---------------------------------------------------------------------------

// RequestRevert returns every listed method definition to its original IL.
// The result slice parallels keys; a method with no outstanding rejit
// request gets the distinguished ErrNoActiveRequest with no state mutated.
func (c *Coordinator) RequestRevert(keys []codever.MethodKey) []error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	results := make([]error, len(keys))
	var undo []*codever.MethodInstance

	g := c.mgr.Lock()
	for i, key := range keys {
		if err := validateKey(key); err != nil {
			results[i] = err
			continue
		}
		active := c.mgr.GetActiveILCodeVersion(g, key)
		if active.IsDefault() {
			results[i] = codever.ErrNoActiveRequest
			continue
		}
		active.SetRejitState(codever.RejitReverted)
		c.mgr.SetActiveILCodeVersion(g, codever.DefaultILVersion(key))

		c.enum.EnumerateInstantiations(key, func(mi *codever.MethodInstance) bool {
			if st := c.mgr.GetMethodVersioningState(mi); st != nil && st.IsStamped() {
				undo = append(undo, mi)
			}
			return true
		})
	}
	g.Release()

	if len(undo) > 0 {
		var errs []codever.BatchError
		c.suspender.Suspend("rejit revert")
		g = c.mgr.Lock()
		batchErr := c.mgr.BatchUpdateJumpStamps(g, undo, nil, &errs)
		g.Release()
		c.suspender.Resume()

		for _, be := range errs {
			for i, key := range keys {
				if results[i] == nil && key.Module == be.Module && key.Token == be.Token {
					results[i] = be.Err
				}
			}
		}
		if batchErr != nil {
			log.Errorf("revert batch aborted: %s", batchErr.Error())
			for i := range results {
				if results[i] == nil {
					results[i] = batchErr
				}
			}
		}
		c.report(errs)
	}
	return results
}

// ---------------------------------------------------------------------------
// Dispatch-path hooks
// ---------------------------------------------------------------------------

// OnMethodCompiled is the hook the dispatch path calls when a method's
// original compilation finishes, before the body is handed to any caller.
// It publishes the entry and, when a rejit request is outstanding for the
// method, installs the redirector stamp so the very first call re-enters
// the dispatch path. Losing a racing first-compile is fine: the stamp
// install is idempotent.
func (c *Coordinator) OnMethodCompiled(mi *codever.MethodInstance, entry uintptr) error {
	mi.PublishNativeEntry(entry)

	g := c.mgr.Lock()
	defer g.Release()

	active := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	if active.IsDefault() || active.RejitState() == codever.RejitReverted {
		return nil
	}
	state, err := c.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		return err
	}
	// The body is not yet published to callers, so no contention.
	return state.InstallRedirectorStamp(c.mgr.Patcher, c.mgr.Redirector, false)
}

// ResolveRedirect is what the redirector trampoline lands in: it binds the
// call to the version that is active right now, fetches replacement
// parameters if this is the first arrival, compiles the versioned body if
// nobody has, and answers the entry point the call should continue at.
//
// The call is bound to a version handle captured once under the lock; if a
// newer request supersedes it mid-flight, the re-validation under the lock
// discards this thread's work and the call proceeds on whatever is current,
// never on a half-reverted record.
func (c *Coordinator) ResolveRedirect(mi *codever.MethodInstance) (uintptr, error) {
	g := c.mgr.Lock()
	ver := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	g.Release()

	if ver.IsDefault() {
		// Reverted between the stamp and our arrival; run the original.
		return mi.NativeEntry(), nil
	}

	if err := c.ConfigureILCodeVersion(ver); err != nil {
		return 0, err
	}

	return c.provideVersionedBody(ver, mi)
}

// provideVersionedBody finds or compiles the native body for (ver, mi) and
// points the method's jump stamp at it.
func (c *Coordinator) provideVersionedBody(ver codever.ILCodeVersion, mi *codever.MethodInstance) (uintptr, error) {
	ilID := ver.VersionID()

	g := c.mgr.Lock()
	var native codever.NativeCodeVersion
	it := c.mgr.GetNativeCodeVersions(g, mi, &ilID)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if !v.IsDefault() {
			native = v
			break
		}
	}
	if !native.Valid() {
		var err error
		native, err = c.mgr.AddNativeCodeVersion(g, ver, mi, codever.Tier0)
		if err != nil {
			g.Release()
			return 0, err
		}
	}
	if entry := native.Entry(); entry != 0 {
		g.Release()
		return entry, nil
	}
	claimed := c.mgr.ClaimInflight(g, native)
	g.Release()

	if !claimed {
		// Another thread owns the compilation; wait for it to publish.
		// The wait is bounded: if the owner hit a compile failure and
		// never publishes, this call proceeds on the prior body and the
		// next call retries.
		deadline := time.Now().Add(100 * c.entryWait)
		for native.Entry() == 0 {
			if time.Now().After(deadline) {
				return mi.NativeEntry(), nil
			}
			time.Sleep(c.entryWait)
		}
		return native.Entry(), nil
	}

	entry, err := c.compiler.Compile(mi, ver.IL(), ver.Flags())
	if err != nil {
		// Recoverable: the method keeps running its prior body, the stamp
		// stays put, and releasing the claim lets the next call retry.
		log.Errorf("compiling rejit body for %s: %s", mi.Name, err.Error())
		c.reportOne(mi.Module, mi.Token, mi, err)
		g = c.mgr.Lock()
		c.mgr.ReleaseInflight(g, native)
		g.Release()
		return mi.NativeEntry(), nil
	}
	native.PublishEntry(entry)

	g = c.mgr.Lock()

	// Re-validate: the version may have been superseded while we compiled.
	current := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	if current.VersionID() != ilID {
		c.mgr.ReleaseInflight(g, native)
		g.Release()
		return entry, nil
	}
	c.mgr.SetActiveNativeChild(g, native)

	state := c.mgr.GetMethodVersioningState(mi)
	err = state.UpdateStampToCode(c.mgr.Patcher, entry, true)
	if errors.Is(err, patch.ErrSuspensionRequired) {
		g.Release()
		c.suspender.Suspend("rejit stamp update")
		g = c.mgr.Lock()
		err = state.UpdateStampToCode(c.mgr.Patcher, entry, false)
		c.mgr.ReleaseInflight(g, native)
		g.Release()
		c.suspender.Resume()
	} else {
		c.mgr.ReleaseInflight(g, native)
		g.Release()
	}
	if err != nil {
		return 0, err
	}
	return entry, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ActiveVersionID answers which IL version new compilations of a method
// definition would use right now. The default body reports id 0.
func (c *Coordinator) ActiveVersionID(key codever.MethodKey) codever.ILVersionID {
	g := c.mgr.Lock()
	defer g.Release()
	return c.mgr.GetActiveILCodeVersion(g, key).VersionID()
}

// VersionIDs returns the ids of every IL version of a method definition,
// default first, newest explicit version next.
func (c *Coordinator) VersionIDs(key codever.MethodKey) []codever.ILVersionID {
	g := c.mgr.Lock()
	defer g.Release()
	var ids []codever.ILVersionID
	it := c.mgr.GetILCodeVersions(g, key)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		ids = append(ids, v.VersionID())
	}
	return ids
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validateKey(key codever.MethodKey) error {
	if !key.Valid() {
		return codever.ErrInvalidArgument
	}
	if key.Module.Unloading {
		return codever.ErrModuleUnloading
	}
	if key.Module.Dynamic {
		return codever.ErrDynamicModule
	}
	return nil
}

func (c *Coordinator) report(errs []codever.BatchError) {
	for _, be := range errs {
		c.reportOne(be.Module, be.Token, be.Method, be.Err)
	}
}

func (c *Coordinator) reportOne(module *codever.Module, token codever.MethodToken, mi *codever.MethodInstance, err error) {
	if c.reporter != nil {
		c.reporter.ReportError(module, token, mi, err)
	}
}
