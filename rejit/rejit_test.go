package rejit

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/reforgevm/reforge/codever"
	"github.com/reforgevm/reforge/patch"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeCompiler struct {
	region *patch.Region
	mu     sync.Mutex
	bodies map[string][]byte // entry IL by method name, for inspection
	fail   bool
}

func newFakeCompiler(region *patch.Region) *fakeCompiler {
	return &fakeCompiler{region: region, bodies: make(map[string][]byte)}
}

func (c *fakeCompiler) Compile(mi *codever.MethodInstance, il []byte, flags codever.CodegenFlags) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return 0, errors.New("injected compile failure")
	}
	addr := c.region.Alloc(16, 8)
	body := c.region.Bytes()[addr-c.region.Base():]
	for i := 0; i < 16; i++ {
		body[i] = 0x90
	}
	copy(body, il)
	c.bodies[mi.Name] = append([]byte(nil), il...)
	return addr, nil
}

type fakeSuspender struct {
	mu        sync.Mutex
	suspends  int
	resumes   int
	suspended bool
}

func (s *fakeSuspender) Suspend(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspends++
	s.suspended = true
}

func (s *fakeSuspender) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
	s.suspended = false
}

type fakeWorld struct {
	methods map[codever.MethodKey][]*codever.MethodInstance

	il       []byte
	fetchErr error
	block    chan struct{} // fetch parks here when non-nil

	mu       sync.Mutex
	fetches  int
	reported []error
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		methods: make(map[codever.MethodKey][]*codever.MethodInstance),
		il:      []byte{0x2a},
	}
}

func (w *fakeWorld) EnumerateInstantiations(key codever.MethodKey, yield func(*codever.MethodInstance) bool) {
	for _, mi := range w.methods[key] {
		if !yield(mi) {
			return
		}
	}
}

func (w *fakeWorld) GetReplacementParameters(module *codever.Module, token codever.MethodToken, control *FunctionControl) error {
	w.mu.Lock()
	w.fetches++
	err := w.fetchErr
	block := w.block
	w.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	control.SetILFunctionBody(w.il)
	control.SetCodegenFlags(codever.CodegenDisableInlining)
	return nil
}

func (w *fakeWorld) ReportError(module *codever.Module, token codever.MethodToken, mi *codever.MethodInstance, err error) {
	w.mu.Lock()
	w.reported = append(w.reported, err)
	w.mu.Unlock()
}

// rig wires a coordinator over private fakes.
type rig struct {
	region    *patch.Region
	manager   *codever.CodeVersionManager
	compiler  *fakeCompiler
	suspender *fakeSuspender
	world     *fakeWorld
	coord     *Coordinator
	mod       *codever.Module
}

func newRig() *rig {
	region := patch.NewRegion(16 * 1024)
	patcher := &patch.Patcher{Table: patch.NewShadowTable()}
	redirector := region.Alloc(16, 8)
	manager := codever.NewCodeVersionManager(patcher, redirector)

	compiler := newFakeCompiler(region)
	suspender := &fakeSuspender{}
	world := newFakeWorld()

	coord := New(Options{
		Manager:        manager,
		Compiler:       compiler,
		Suspender:      suspender,
		Instantiations: world,
		Provider:       world,
		Reporter:       world,
	})
	return &rig{
		region:    region,
		manager:   manager,
		compiler:  compiler,
		suspender: suspender,
		world:     world,
		coord:     coord,
		mod:       &codever.Module{Name: "app.main"},
	}
}

func (r *rig) method(token codever.MethodToken, compiled bool) *codever.MethodInstance {
	mi := &codever.MethodInstance{Module: r.mod, Token: token, Name: fmt.Sprintf("App.M%d", token)}
	if compiled {
		entry, _ := r.compiler.Compile(mi, nil, codever.CodegenDefault)
		mi.PublishNativeEntry(entry)
	}
	r.world.methods[mi.Key()] = append(r.world.methods[mi.Key()], mi)
	return mi
}

// ---------------------------------------------------------------------------
// RequestReJIT
// ---------------------------------------------------------------------------

func TestRejitNeverCompiledMethodLeavesPlaceholder(t *testing.T) {
	r := newRig()
	mi := r.method(1, false)

	errs := r.coord.RequestReJIT([]codever.MethodKey{mi.Key()})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	// Nothing was compiled, so nothing needed suspension or stamping.
	if r.suspender.suspends != 0 {
		t.Error("uncompiled method must not trigger suspension")
	}
	if id := r.coord.ActiveVersionID(mi.Key()); id == 0 {
		t.Error("an explicit version should be active as a standing placeholder")
	}
}

func TestRejitCompiledMethodStampsUnderOneSuspension(t *testing.T) {
	r := newRig()
	m1 := r.method(2, true)
	m2 := r.method(3, true)
	orig := append([]byte(nil), r.manager.Patcher.Read(m1.NativeEntry(), patch.Footprint)...)

	errs := r.coord.RequestReJIT([]codever.MethodKey{m1.Key(), m2.Key()})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	// One suspend/resume bracket for the whole batch.
	if r.suspender.suspends != 1 || r.suspender.resumes != 1 {
		t.Errorf("suspends=%d resumes=%d, want 1/1", r.suspender.suspends, r.suspender.resumes)
	}

	for _, mi := range []*codever.MethodInstance{m1, m2} {
		entry := mi.NativeEntry()
		target, ok := patch.DecodeJumpTarget(entry, r.manager.Patcher.Read(entry, patch.Footprint))
		if !ok || target != r.manager.Redirector {
			t.Errorf("%s: stamp target %#x, want redirector", mi.Name, target)
		}
	}

	state := r.manager.GetMethodVersioningState(m1)
	if !bytes.Equal(state.SavedBytes(), orig) {
		t.Error("saved bytes must match the displaced originals")
	}
}

func TestResolveRedirectCompilesVersionedBody(t *testing.T) {
	r := newRig()
	mi := r.method(4, true)

	if errs := r.coord.RequestReJIT([]codever.MethodKey{mi.Key()}); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	entry, err := r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatal(err)
	}
	if entry == 0 || entry == mi.NativeEntry() {
		t.Fatal("expected a fresh versioned body")
	}
	// The parameters were fetched exactly once and the compiler saw the
	// replacement IL.
	if r.world.fetches != 1 {
		t.Errorf("fetches=%d, want 1", r.world.fetches)
	}
	if !bytes.Equal(r.compiler.bodies[mi.Name], r.world.il) {
		t.Error("compiler must receive the replacement IL")
	}
	// The stamp now bypasses the redirector.
	got, ok := patch.DecodeJumpTarget(mi.NativeEntry(), r.manager.Patcher.Read(mi.NativeEntry(), patch.Footprint))
	if !ok || got != entry {
		t.Errorf("stamp target %#x, want versioned body %#x", got, entry)
	}
	// A second arrival reuses the published body without refetching.
	again, err := r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatal(err)
	}
	if again != entry {
		t.Errorf("second resolve got %#x, want %#x", again, entry)
	}
	if r.world.fetches != 1 {
		t.Errorf("fetches=%d after second resolve, want 1", r.world.fetches)
	}
}

func TestDuplicateRequestsCollapseUntilExposed(t *testing.T) {
	r := newRig()
	mi := r.method(5, true)
	key := mi.Key()

	r.coord.RequestReJIT([]codever.MethodKey{key})
	first := r.coord.ActiveVersionID(key)

	// The id was never handed out, so a repeat request reuses the version.
	r.coord.RequestReJIT([]codever.MethodKey{key})
	if second := r.coord.ActiveVersionID(key); second != first {
		t.Errorf("unexposed duplicate created version %d, want reuse of %d", second, first)
	}

	// Exposure (the first parameter fetch) pins the version; the next
	// request supersedes it with a fresh one.
	if _, err := r.coord.ResolveRedirect(mi); err != nil {
		t.Fatal(err)
	}
	r.coord.RequestReJIT([]codever.MethodKey{key})
	third := r.coord.ActiveVersionID(key)
	if third == first {
		t.Error("request after exposure must allocate a fresh version")
	}
	// Both versions remain in the list; the old one is reverted, not freed.
	ids := r.coord.VersionIDs(key)
	if len(ids) != 3 { // default + two explicit
		t.Errorf("version ids %v, want default plus two explicit", ids)
	}
	// The stamp, which had been pointing at the superseded body, is back on
	// the redirector so the next call picks up the fresh version.
	entry := mi.NativeEntry()
	target, ok := patch.DecodeJumpTarget(entry, r.manager.Patcher.Read(entry, patch.Footprint))
	if !ok || target != r.manager.Redirector {
		t.Error("superseding request must re-point the stamp at the redirector")
	}
}

func TestRejitValidation(t *testing.T) {
	r := newRig()

	dyn := &codever.Module{Name: "dyn", Dynamic: true}
	unloading := &codever.Module{Name: "gone", Unloading: true}

	errs := r.coord.RequestReJIT([]codever.MethodKey{
		{Module: nil, Token: 1},
		{Module: dyn, Token: 2},
		{Module: unloading, Token: 3},
	})
	if len(errs) != 3 {
		t.Fatalf("got %d errors, want 3", len(errs))
	}
	if !errors.Is(errs[0].Err, codever.ErrInvalidArgument) {
		t.Errorf("nil module: got %v", errs[0].Err)
	}
	if !errors.Is(errs[1].Err, codever.ErrDynamicModule) {
		t.Errorf("dynamic module: got %v", errs[1].Err)
	}
	if !errors.Is(errs[2].Err, codever.ErrModuleUnloading) {
		t.Errorf("unloading module: got %v", errs[2].Err)
	}
	// Each failure was also reported through the callback.
	if len(r.world.reported) != 3 {
		t.Errorf("reported %d errors, want 3", len(r.world.reported))
	}
}

// ---------------------------------------------------------------------------
// RequestRevert
// ---------------------------------------------------------------------------

func TestRevertWithoutRequestFails(t *testing.T) {
	r := newRig()
	mi := r.method(6, true)

	results := r.coord.RequestRevert([]codever.MethodKey{mi.Key()})
	if len(results) != 1 || !errors.Is(results[0], codever.ErrNoActiveRequest) {
		t.Errorf("expected ErrNoActiveRequest, got %v", results)
	}
}

func TestRevertRestoresOriginalBytes(t *testing.T) {
	r := newRig()
	mi := r.method(7, true)
	entry := mi.NativeEntry()
	orig := append([]byte(nil), r.manager.Patcher.Read(entry, patch.Footprint)...)

	r.coord.RequestReJIT([]codever.MethodKey{mi.Key()})
	if _, err := r.coord.ResolveRedirect(mi); err != nil {
		t.Fatal(err)
	}

	results := r.coord.RequestRevert([]codever.MethodKey{mi.Key()})
	if results[0] != nil {
		t.Fatalf("revert failed: %v", results[0])
	}
	if !bytes.Equal(r.manager.Patcher.Read(entry, patch.Footprint), orig) {
		t.Error("revert must restore the original entry bytes")
	}
	if id := r.coord.ActiveVersionID(mi.Key()); id != 0 {
		t.Errorf("active version %d after revert, want default", id)
	}
	// A later call through the original entry needs no redirect; resolving
	// anyway falls back to the original body.
	got, err := r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatal(err)
	}
	if got != entry {
		t.Errorf("post-revert resolve got %#x, want original %#x", got, entry)
	}
}

// ---------------------------------------------------------------------------
// Dispatch-path hooks and failure recovery
// ---------------------------------------------------------------------------

func TestOnMethodCompiledStampsPendingRequest(t *testing.T) {
	r := newRig()
	mi := r.method(8, false)

	r.coord.RequestReJIT([]codever.MethodKey{mi.Key()})

	entry, err := r.compiler.Compile(mi, nil, codever.CodegenDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.coord.OnMethodCompiled(mi, entry); err != nil {
		t.Fatal(err)
	}
	target, ok := patch.DecodeJumpTarget(entry, r.manager.Patcher.Read(entry, patch.Footprint))
	if !ok || target != r.manager.Redirector {
		t.Error("pending request must stamp the fresh compilation")
	}
}

func TestOnMethodCompiledWithoutRequestLeavesEntryAlone(t *testing.T) {
	r := newRig()
	mi := r.method(9, false)

	entry, err := r.compiler.Compile(mi, nil, codever.CodegenDefault)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.coord.OnMethodCompiled(mi, entry); err != nil {
		t.Fatal(err)
	}
	if patch.IsJumpStamp(r.manager.Patcher.Read(entry, patch.Footprint)) {
		t.Error("no request: the entry must not be stamped")
	}
}

func TestParameterFetchFailureFallsBackToOriginalIL(t *testing.T) {
	r := newRig()
	mi := r.method(10, true)
	r.world.fetchErr = errors.New("requester crashed")

	r.coord.RequestReJIT([]codever.MethodKey{mi.Key()})
	entry, err := r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatal(err)
	}
	if entry == 0 {
		t.Fatal("the method must still get a runnable body")
	}
	// The version activated with the original IL (nil) and the failure was
	// reported exactly once.
	if il := r.compiler.bodies[mi.Name]; len(il) != 0 {
		t.Errorf("compiler saw replacement IL %v, want original", il)
	}
	if len(r.world.reported) != 1 {
		t.Errorf("reported %d errors, want 1", len(r.world.reported))
	}
}

func TestCompileFailureKeepsPriorBody(t *testing.T) {
	r := newRig()
	mi := r.method(11, true)
	original := mi.NativeEntry()

	r.coord.RequestReJIT([]codever.MethodKey{mi.Key()})
	r.compiler.fail = true

	entry, err := r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatalf("compile failure must be recoverable, got %v", err)
	}
	if entry != original {
		t.Errorf("resolve got %#x, want prior body %#x", entry, original)
	}
	// The stamp stays on the redirector so the next call retries.
	target, ok := patch.DecodeJumpTarget(original, r.manager.Patcher.Read(original, patch.Footprint))
	if !ok || target != r.manager.Redirector {
		t.Error("failed compile must leave the redirector stamp in place")
	}

	// The next call succeeds once the compiler recovers.
	r.compiler.fail = false
	entry, err = r.coord.ResolveRedirect(mi)
	if err != nil {
		t.Fatal(err)
	}
	if entry == original {
		t.Error("recovered compile should produce the versioned body")
	}
}
