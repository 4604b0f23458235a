package codever

import (
	"errors"
	"fmt"

	"github.com/reforgevm/reforge/patch"
)

// ---------------------------------------------------------------------------
// Per-method versioning state and the jump-stamp engine
// ---------------------------------------------------------------------------

// JumpStampState tracks what the first bytes of a method's entry currently
// decode as.
type JumpStampState uint8

const (
	// StampNone: the original entry bytes are in place.
	StampNone JumpStampState = iota

	// StampToRedirector: the entry jumps to the redirector trampoline,
	// which re-enters the compilation-dispatch path.
	StampToRedirector

	// StampToActiveVersion: the entry jumps straight to the active body,
	// skipping the trampoline.
	StampToActiveVersion
)

func (s JumpStampState) String() string {
	switch s {
	case StampToRedirector:
		return "redirector"
	case StampToActiveVersion:
		return "active-version"
	}
	return "none"
}

// MethodVersioningState exists for every method instance that has ever been
// rejitted or retiered. It owns the method's native-version list, the
// current jump-stamp state, and the saved original entry bytes that make a
// revert possible. Entries persist for the life of the owning table.
// All fields are guarded by the manager's table lock.
type MethodVersioningState struct {
	method *MethodInstance

	nextID NativeVersionID // next native version id to assign
	head   *NativeCodeVersionRecord

	stamp JumpStampState
	saved [patch.Footprint]byte // original bytes under the stamp

	// defaultActive is true while the implicit original body is still the
	// active child of IL version 0.
	defaultActive bool

	// inflight is the single native version allowed to be on its way to
	// becoming the stamp target. At most one per method at a time.
	inflight *NativeCodeVersionRecord
}

func newMethodVersioningState(m *MethodInstance) *MethodVersioningState {
	return &MethodVersioningState{
		method:        m,
		nextID:        1,
		defaultActive: true,
	}
}

// Method returns the owning method instance.
func (s *MethodVersioningState) Method() *MethodInstance {
	return s.method
}

// JumpStamp returns the current stamp state. Caller must hold the table
// lock for a stable answer; lock-free probes may see a stale value.
func (s *MethodVersioningState) JumpStamp() JumpStampState {
	return s.stamp
}

// SavedBytes returns the original entry bytes displaced by the stamp. Only
// meaningful while a stamp is installed.
func (s *MethodVersioningState) SavedBytes() []byte {
	return s.saved[:]
}

// IsStamped reports whether a jump stamp is currently installed. The saved
// buffer's first byte is non-zero exactly when it is.
func (s *MethodVersioningState) IsStamped() bool {
	return s.stamp != StampNone
}

// ---------------------------------------------------------------------------
// Jump-stamp transitions
// ---------------------------------------------------------------------------
// All transitions run under the table lock. The contention flag states
// whether other threads could be executing the entry bytes right now: false
// means execution is suspended or the code was never published, and the
// patch is a plain copy; true means the patch must go through the patcher's
// compare-and-swap path, which can come back with
// patch.ErrSuspensionRequired for the caller to retry under suspension.

// InstallRedirectorStamp points the method's entry at the redirector
// trampoline, saving the displaced bytes on first install. A stamp already on
// the redirector is success without re-patching: two threads racing to
// install the same redirector both win. A stamp pointing at a now-stale
// compiled body is rewritten in place, so the next call re-enters dispatch.
func (s *MethodVersioningState) InstallRedirectorStamp(p *patch.Patcher, redirector uintptr, contention bool) error {
	switch s.stamp {
	case StampToRedirector:
		return nil
	case StampToActiveVersion:
		entry := s.method.NativeEntry()
		old := p.Read(entry, patch.Footprint)
		assert(patch.IsJumpStamp(old), "stamped entry does not decode as a jump")
		stamp, err := patch.EncodeJump(entry, redirector)
		if err != nil {
			return err
		}
		if err := p.Apply(entry, old, stamp[:], contention); err != nil {
			return err
		}
		s.stamp = StampToRedirector
		return nil
	}
	return s.installStamp(p, redirector, StampToRedirector, contention)
}

// UpdateStampToCode points the entry at a compiled body. From StampNone this
// installs a fresh stamp (the tiered-promotion path); from either stamped
// state it rewrites the existing jump in place.
func (s *MethodVersioningState) UpdateStampToCode(p *patch.Patcher, target uintptr, contention bool) error {
	if s.stamp == StampNone {
		return s.installStamp(p, target, StampToActiveVersion, contention)
	}

	entry := s.method.NativeEntry()
	old := p.Read(entry, patch.Footprint)
	assert(patch.IsJumpStamp(old), "stamped entry does not decode as a jump")

	stamp, err := patch.EncodeJump(entry, target)
	if err != nil {
		return err
	}
	if err := p.Apply(entry, old, stamp[:], contention); err != nil {
		return err
	}
	s.stamp = StampToActiveVersion
	return nil
}

// RevertStamp restores the saved original bytes. Execution must already be
// suspended; there is no contended revert. Reverting an unstamped method is
// a no-op.
func (s *MethodVersioningState) RevertStamp(p *patch.Patcher) error {
	if s.stamp == StampNone {
		return nil
	}
	entry := s.method.NativeEntry()
	current := p.Read(entry, patch.Footprint)
	if err := p.Apply(entry, current, s.saved[:], false); err != nil {
		return err
	}
	s.saved = [patch.Footprint]byte{}
	s.stamp = StampNone
	s.inflight = nil
	return nil
}

func (s *MethodVersioningState) installStamp(p *patch.Patcher, target uintptr, to JumpStampState, contention bool) error {
	entry := s.method.NativeEntry()
	if entry == 0 {
		return fmt.Errorf("%w: %s", ErrNotCompiled, s.method.Name)
	}

	orig := p.Read(entry, patch.Footprint)
	assert(!patch.IsJumpStamp(orig), "entry already carries a jump stamp in StampNone state")

	stamp, err := patch.EncodeJump(entry, target)
	if err != nil {
		return err
	}
	if err := p.Apply(entry, orig, stamp[:], contention); err != nil {
		if errors.Is(err, patch.ErrSuspensionRequired) {
			return err
		}
		return fmt.Errorf("stamping %s: %w", s.method.Name, err)
	}
	copy(s.saved[:], orig)
	s.stamp = to
	return nil
}

// ---------------------------------------------------------------------------
// In-flight compilation target
// ---------------------------------------------------------------------------

// ClaimInflight marks rec as the one native version heading toward the
// stamp target. Returns false if another version already holds the claim.
func (s *MethodVersioningState) ClaimInflight(rec *NativeCodeVersionRecord) bool {
	if s.inflight != nil && s.inflight != rec {
		return false
	}
	s.inflight = rec
	return true
}

// ReleaseInflight clears the claim once the stamp update has committed or
// the compilation was abandoned.
func (s *MethodVersioningState) ReleaseInflight(rec *NativeCodeVersionRecord) {
	if s.inflight == rec {
		s.inflight = nil
	}
}

// Inflight returns the current claim holder, or nil.
func (s *MethodVersioningState) Inflight() *NativeCodeVersionRecord {
	return s.inflight
}
