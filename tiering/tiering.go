// Package tiering promotes hot methods from their fast initial compilation
// to an optimized recompilation. It counts invocations, queues promotion
// work onto a background worker, compiles upgraded bodies through the
// external compiler, and activates them through the same version-publish
// and jump-stamp path the rejit coordinator uses.
package tiering

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/reforgevm/reforge/codever"
	"github.com/reforgevm/reforge/patch"
)

var log = commonlog.GetLogger("reforge.tiering")

// DefaultCallCountThreshold is the invocation count at which a method is
// considered hot. Operator-tunable through the manifest.
const DefaultCallCountThreshold = 30

// DefaultWorkQuantum bounds how long one thread-pool callback drains the
// promotion queue before re-enqueuing itself, so the shared pool is never
// starved. Fairness only; correctness never depends on it.
const DefaultWorkQuantum = 50 * time.Millisecond

// Options carries the collaborators and tunables a Coordinator needs.
type Options struct {
	Manager   *codever.CodeVersionManager
	Compiler  codever.Compiler
	Suspender codever.Suspender
	Scheduler codever.WorkScheduler

	CallCountThreshold uint32
	WorkQuantum        time.Duration

	// Profile, when non-nil, records promotions and lets previously-hot
	// methods skip the counting phase on the next run.
	Profile *ProfileStore
}

// Coordinator is the tiered-compilation policy loop.
type Coordinator struct {
	mgr       *codever.CodeVersionManager
	compiler  codever.Compiler
	suspender codever.Suspender
	scheduler codever.WorkScheduler
	store     *ProfileStore

	threshold uint32
	quantum   time.Duration

	counts sync.Map // *codever.MethodInstance -> *callCount

	// The work queue is an intrusive singly-linked list under its own
	// spin lock; the table lock is never held while queueing.
	queueMu         spinLock
	queueHead       *workItem
	queueTail       *workItem
	workerScheduled bool

	shutdown atomic.Bool
}

type callCount struct {
	count    atomic.Uint32
	promoted atomic.Bool
}

type workItem struct {
	native codever.NativeCodeVersion
	next   *workItem
}

// New creates a Coordinator. A nil Scheduler falls back to fresh
// goroutines.
func New(opts Options) *Coordinator {
	if opts.CallCountThreshold == 0 {
		opts.CallCountThreshold = DefaultCallCountThreshold
	}
	if opts.WorkQuantum <= 0 {
		opts.WorkQuantum = DefaultWorkQuantum
	}
	if opts.Scheduler == nil {
		opts.Scheduler = codever.GoScheduler{}
	}
	return &Coordinator{
		mgr:       opts.Manager,
		compiler:  opts.Compiler,
		suspender: opts.Suspender,
		scheduler: opts.Scheduler,
		store:     opts.Profile,
		threshold: opts.CallCountThreshold,
		quantum:   opts.WorkQuantum,
	}
}

// OnMethodCalled is the counting fast path, invoked from dispatch on every
// call. Crossing the threshold triggers promotion exactly once; re-entrant
// calls during or after promotion are no-ops.
func (c *Coordinator) OnMethodCalled(mi *codever.MethodInstance) {
	if c.shutdown.Load() {
		return
	}
	v, _ := c.counts.LoadOrStore(mi, &callCount{})
	cc := v.(*callCount)

	n := cc.count.Add(1)
	if n == 1 && c.store != nil {
		// A previous run already proved this method hot; skip counting.
		if hot, err := c.store.WasPromoted(mi.Key()); err == nil && hot {
			c.promoteOnce(cc, mi)
			return
		}
	}
	if n >= c.threshold {
		c.promoteOnce(cc, mi)
	}
}

func (c *Coordinator) promoteOnce(cc *callCount, mi *codever.MethodInstance) {
	if cc.promoted.CompareAndSwap(false, true) {
		if err := c.AsyncPromoteMethodToTier1(mi); err != nil {
			log.Errorf("promoting %s: %s", mi.Name, err.Error())
		}
	}
}

// AsyncPromoteMethodToTier1 creates an inactive Tier-1 native version bound
// to the method's currently active IL version and queues it for background
// compilation. Idempotent: a Tier-1 version already linked for the active
// IL version means there is nothing to do.
func (c *Coordinator) AsyncPromoteMethodToTier1(mi *codever.MethodInstance) error {
	if !mi.IsCompiled() {
		return codever.ErrNotCompiled
	}

	g := c.mgr.Lock()
	ver := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	ilID := ver.VersionID()

	it := c.mgr.GetNativeCodeVersions(g, mi, &ilID)
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if v.Tier() == codever.Tier1 {
			g.Release()
			return nil
		}
	}

	native, err := c.mgr.AddNativeCodeVersion(g, ver, mi, codever.Tier1)
	g.Release()
	if err != nil {
		return err
	}

	c.enqueue(native)
	return nil
}

// Shutdown stops the background loop: no further items are dequeued and no
// new worker callbacks are scheduled. In-flight compilations finish.
func (c *Coordinator) Shutdown() {
	c.shutdown.Store(true)
}

// ---------------------------------------------------------------------------
// Background worker
// ---------------------------------------------------------------------------

func (c *Coordinator) enqueue(native codever.NativeCodeVersion) {
	item := &workItem{native: native}
	c.queueMu.Lock()
	if c.queueTail == nil {
		c.queueHead = item
	} else {
		c.queueTail.next = item
	}
	c.queueTail = item
	schedule := !c.workerScheduled && !c.shutdown.Load()
	if schedule {
		c.workerScheduled = true
	}
	c.queueMu.Unlock()

	if schedule {
		c.scheduler.Queue(c.worker)
	}
}

// dequeue pops one item, or nil when the queue is empty or the coordinator
// is shutting down. A nil return also parks the worker: the next enqueue
// schedules a fresh callback.
func (c *Coordinator) dequeue() *workItem {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.shutdown.Load() || c.queueHead == nil {
		c.workerScheduled = false
		return nil
	}
	item := c.queueHead
	c.queueHead = item.next
	if c.queueHead == nil {
		c.queueTail = nil
	}
	return item
}

// worker drains the queue for at most one work quantum, then hands the
// remainder to a fresh callback so this one doesn't monopolize the pool.
func (c *Coordinator) worker() {
	start := time.Now()
	for {
		item := c.dequeue()
		if item == nil {
			return
		}
		c.process(item.native)

		if time.Since(start) >= c.quantum {
			c.queueMu.Lock()
			more := c.queueHead != nil && !c.shutdown.Load()
			if !more {
				c.workerScheduled = false
			}
			c.queueMu.Unlock()
			if more {
				c.scheduler.Queue(c.worker)
			}
			return
		}
	}
}

// process compiles one queued Tier-1 version and activates it. Compilation
// failure is logged and skipped: the method continues on its prior tier.
func (c *Coordinator) process(native codever.NativeCodeVersion) {
	mi := native.Method()

	g := c.mgr.Lock()
	ver := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	if ver.VersionID() != native.ILVersionID() {
		// A rejit superseded the IL version this work item was bound to;
		// the promotion is stale.
		g.Release()
		return
	}
	if !c.mgr.ClaimInflight(g, native) {
		g.Release()
		return
	}
	il, flags := ver.IL(), ver.Flags()
	g.Release()

	entry, err := c.compiler.Compile(mi, il, flags)
	if err != nil {
		log.Errorf("tier1 compilation of %s failed: %s", mi.Name, err.Error())
		g = c.mgr.Lock()
		c.mgr.ReleaseInflight(g, native)
		g.Release()
		return
	}
	native.PublishEntry(entry)

	c.activate(native, entry)

	if c.store != nil {
		if err := c.store.RecordPromotion(mi.Key(), codever.Tier1); err != nil {
			log.Warningf("recording promotion of %s: %s", mi.Name, err.Error())
		}
	}
}

// activate makes the compiled Tier-1 body the active child and points the
// method's entry stamp at it. The no-suspension interlocked path is tried
// first; a SuspensionRequired answer (for example, an entry that is not
// word-aligned) retries once with execution suspended.
func (c *Coordinator) activate(native codever.NativeCodeVersion, entry uintptr) {
	mi := native.Method()

	g := c.mgr.Lock()
	ver := c.mgr.GetActiveILCodeVersion(g, mi.Key())
	if ver.VersionID() != native.ILVersionID() {
		c.mgr.ReleaseInflight(g, native)
		g.Release()
		return
	}
	c.mgr.SetActiveNativeChild(g, native)

	state := c.mgr.GetMethodVersioningState(mi)
	err := state.UpdateStampToCode(c.mgr.Patcher, entry, true)
	if errors.Is(err, patch.ErrSuspensionRequired) {
		g.Release()
		c.suspender.Suspend("tier1 activation")
		g = c.mgr.Lock()
		err = state.UpdateStampToCode(c.mgr.Patcher, entry, false)
		g.Release()
		c.suspender.Resume()
		g = c.mgr.Lock()
	}
	c.mgr.ReleaseInflight(g, native)
	g.Release()

	if err != nil {
		log.Errorf("activating tier1 body of %s: %s", mi.Name, err.Error())
	}
}

// CallCount returns how many invocations have been counted for a method.
func (c *Coordinator) CallCount(mi *codever.MethodInstance) uint32 {
	if v, ok := c.counts.Load(mi); ok {
		return v.(*callCount).count.Load()
	}
	return 0
}

// ---------------------------------------------------------------------------
// Spin lock
// ---------------------------------------------------------------------------

// spinLock guards the work queue. Hold times are a few pointer writes, so
// spinning beats parking.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.held.Store(false)
}
