package codever

import (
	"bytes"
	"errors"
	"testing"

	"github.com/reforgevm/reforge/patch"
)

func TestInstallRedirectorStampIdempotent(t *testing.T) {
	r := newTestRig()
	mi := r.compiledMethod(100)

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, false); err != nil {
		t.Fatal(err)
	}
	saved := append([]byte(nil), state.SavedBytes()...)

	// Racing installers both win without re-patching.
	if err := state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, false); err != nil {
		t.Errorf("second install should be a no-op success, got %v", err)
	}
	if !bytes.Equal(state.SavedBytes(), saved) {
		t.Error("second install must not disturb the saved bytes")
	}
}

func TestUpdateStampToCodeFreshInstall(t *testing.T) {
	r := newTestRig()
	mi := r.compiledMethod(101)
	target := r.region.Alloc(16, 8)

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	// The tiered-promotion path: no stamp yet, install one pointing
	// straight at the optimized body.
	if err := state.UpdateStampToCode(r.mgr.Patcher, target, true); err != nil {
		t.Fatal(err)
	}
	if state.JumpStamp() != StampToActiveVersion {
		t.Errorf("stamp state %v, want active-version", state.JumpStamp())
	}

	entry := mi.NativeEntry()
	got, ok := patch.DecodeJumpTarget(entry, r.mgr.Patcher.Read(entry, patch.Footprint))
	if !ok || got != target {
		t.Errorf("stamp target %#x, want %#x", got, target)
	}
}

func TestUpdateStampRewritesExistingJump(t *testing.T) {
	r := newTestRig()
	mi := r.compiledMethod(102)
	target := r.region.Alloc(16, 8)

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, false); err != nil {
		t.Fatal(err)
	}
	saved := append([]byte(nil), state.SavedBytes()...)

	if err := state.UpdateStampToCode(r.mgr.Patcher, target, true); err != nil {
		t.Fatal(err)
	}
	entry := mi.NativeEntry()
	got, ok := patch.DecodeJumpTarget(entry, r.mgr.Patcher.Read(entry, patch.Footprint))
	if !ok || got != target {
		t.Errorf("rewritten stamp target %#x, want %#x", got, target)
	}
	// The saved originals survive the rewrite; revert still works.
	if !bytes.Equal(state.SavedBytes(), saved) {
		t.Error("rewrite must preserve the saved original bytes")
	}
	if err := state.RevertStamp(r.mgr.Patcher); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(r.mgr.Patcher.Read(entry, patch.Footprint), saved) {
		t.Error("revert must restore the original bytes")
	}
}

func TestRevertUnstampedIsNoOp(t *testing.T) {
	r := newTestRig()
	mi := r.compiledMethod(103)

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	if err := state.RevertStamp(r.mgr.Patcher); err != nil {
		t.Errorf("reverting an unstamped method must be a no-op, got %v", err)
	}
}

func TestStampUncompiledMethodFails(t *testing.T) {
	r := newTestRig()
	mi := &MethodInstance{Module: r.mod, Token: 104, Name: "M104"}

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	err = state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, false)
	if !errors.Is(err, ErrNotCompiled) {
		t.Errorf("expected ErrNotCompiled, got %v", err)
	}
	if state.IsStamped() {
		t.Error("failed install must leave the state unstamped")
	}
}

func TestMisalignedEntryNeedsSuspension(t *testing.T) {
	r := newTestRig()
	mi := &MethodInstance{Module: r.mod, Token: 105, Name: "M105"}
	r.region.Alloc(1, 1)
	entry := r.region.Alloc(16, 1)
	if entry%patch.CASWindow == 0 {
		t.Fatal("test needs a misaligned entry")
	}
	mi.PublishNativeEntry(entry)

	g := r.mgr.Lock()
	defer g.Release()

	state, err := r.mgr.EnsureVersioningState(g, mi)
	if err != nil {
		t.Fatal(err)
	}
	err = state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, true)
	if !errors.Is(err, patch.ErrSuspensionRequired) {
		t.Fatalf("expected ErrSuspensionRequired, got %v", err)
	}
	// The quiesced retry succeeds.
	if err := state.InstallRedirectorStamp(r.mgr.Patcher, r.mgr.Redirector, false); err != nil {
		t.Fatal(err)
	}
	if state.JumpStamp() != StampToRedirector {
		t.Errorf("stamp state %v, want redirector", state.JumpStamp())
	}
}
