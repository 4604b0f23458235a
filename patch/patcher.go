// Package patch isolates every write to live executable memory behind one
// narrow, heavily-tested capability. Callers describe a patch as "swap these
// old bytes for these new bytes at this address" and state whether another
// thread could be executing the bytes at the same time; the patcher picks the
// plain-copy or compare-and-swap protocol accordingly and coordinates with
// the debugger's breakpoint table so the two never fight over the same byte.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ErrSuspensionRequired is the concurrency-retry signal: the requested patch
// cannot be applied safely while other threads run, and the caller should
// suspend execution and try again. It is never a real failure and must not be
// surfaced outside the jump-stamp protocol.
var ErrSuspensionRequired = errors.New("patch requires execution suspension")

// ErrPatchConflict is returned when the bytes at the patch site no longer
// match what the caller observed, and do not already carry the desired value.
var ErrPatchConflict = errors.New("patch site bytes changed underneath us")

// Patcher applies byte patches to code, routing first-byte writes through the
// debugger's shadow buffer when a breakpoint overlays the patch site. A nil
// Table means no debugger is attached.
type Patcher struct {
	Table Table
}

// Apply swaps old for new at addr. len(old) must equal len(new).
//
// With contention false the caller guarantees nothing is executing the bytes
// (execution is suspended, or the code was never published); the write is a
// plain copy. With contention true the patch is applied with a single
// compare-and-swap over the naturally-aligned word containing the patch
// region; if addr is not aligned the patcher returns ErrSuspensionRequired so
// the caller can retry under suspension.
//
// A concurrent racer that already installed the exact same bytes counts as
// success.
func (p *Patcher) Apply(addr uintptr, old, new []byte, contention bool) error {
	if len(old) != len(new) || len(old) == 0 {
		return fmt.Errorf("patch: mismatched patch lengths %d/%d", len(old), len(new))
	}
	if !contention {
		return p.applyQuiesced(addr, old, new)
	}
	return p.applyContended(addr, old, new)
}

// applyQuiesced writes byte-for-byte. Requires the caller to have quiesced
// execution. The first byte goes to the debugger's shadow buffer when an
// activated breakpoint overlays it.
func (p *Patcher) applyQuiesced(addr uintptr, old, new []byte) error {
	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(new))

	write := func() error {
		start := 0
		if p.Table != nil {
			if bp := p.Table.PatchAt(addr); bp != nil && bp.Activated() {
				// The debugger owns the live byte; the method's real first
				// byte lives in the breakpoint's shadow.
				bp.SetShadow(new[0])
				start = 1
			}
		}
		if !bytes.Equal(target[start:], old[start:]) && !bytes.Equal(target[start:], new[start:]) {
			return fmt.Errorf("%w: at %#x", ErrPatchConflict, addr)
		}
		copy(target[start:], new[start:])
		return nil
	}

	if p.Table != nil {
		p.Table.Lock()
		defer p.Table.Unlock()
	}
	if err := write(); err != nil {
		return err
	}
	p.FlushInstructionCache(addr, uintptr(len(new)))
	return nil
}

// applyContended installs the patch with one atomic word swap. The patch
// region plus residual bytes must fit the aligned CASWindow at addr.
func (p *Patcher) applyContended(addr uintptr, old, new []byte) error {
	if len(old) > CASWindow {
		return fmt.Errorf("patch: contended patch of %d bytes exceeds word width", len(old))
	}
	if addr%CASWindow != 0 {
		// Cannot swap atomically across a word boundary; the caller must
		// suspend and take the quiesced path.
		return ErrSuspensionRequired
	}
	if p.Table != nil {
		p.Table.Lock()
		bp := p.Table.PatchAt(addr)
		p.Table.Unlock()
		if bp != nil && bp.Activated() {
			// A live breakpoint overlays the patch site. Splitting the write
			// between the shadow buffer and an atomic swap is not coherent;
			// redo the patch with execution suspended.
			return ErrSuspensionRequired
		}
	}

	word := (*uint64)(unsafe.Pointer(addr))
	current := atomic.LoadUint64(word)
	cur := wordBytes(current)

	oldWord := current
	newWord := current
	ob := wordBytes(oldWord)
	nb := wordBytes(newWord)
	copy(ob[:len(old)], old)
	copy(nb[:len(new)], new)
	oldWord = bytesWord(ob)
	newWord = bytesWord(nb)

	if !bytes.Equal(cur[:len(old)], old) {
		if bytes.Equal(cur[:len(new)], new) {
			return nil // racer won with identical bytes
		}
		return fmt.Errorf("%w: at %#x", ErrPatchConflict, addr)
	}
	if !atomic.CompareAndSwapUint64(word, oldWord, newWord) {
		after := wordBytes(atomic.LoadUint64(word))
		if bytes.Equal(after[:len(new)], new) {
			return nil
		}
		return fmt.Errorf("%w: at %#x", ErrPatchConflict, addr)
	}
	p.FlushInstructionCache(addr, uintptr(len(new)))
	return nil
}

// Read copies n bytes of code starting at addr.
func (p *Patcher) Read(addr uintptr, n int) []byte {
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	if p.Table != nil {
		p.Table.Lock()
		if bp := p.Table.PatchAt(addr); bp != nil && bp.Activated() {
			out[0] = bp.Shadow()
		}
		p.Table.Unlock()
	}
	return out
}

// FlushInstructionCache invalidates the instruction cache for the patched
// range on architectures that require it. x86-64 keeps I-cache and D-cache
// coherent, so this is a no-op there.
func (p *Patcher) FlushInstructionCache(addr, size uintptr) {
	_ = addr
	_ = size
}

func wordBytes(w uint64) [CASWindow]byte {
	return *(*[CASWindow]byte)(unsafe.Pointer(&w))
}

func bytesWord(b [CASWindow]byte) uint64 {
	return *(*uint64)(unsafe.Pointer(&b))
}

// ---------------------------------------------------------------------------
// Region: word-aligned code arena
// ---------------------------------------------------------------------------

// Region owns a word-aligned block of bytes standing in for a code heap.
// Method entry points are handed out at word-aligned offsets so the
// contended patch path is available; an entry can be deliberately misaligned
// to exercise the suspension fallback.
type Region struct {
	words []uint64
	used  int
}

// NewRegion allocates a region of at least size bytes.
func NewRegion(size int) *Region {
	return &Region{words: make([]uint64, (size+CASWindow-1)/CASWindow)}
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.words[0]))
}

// Bytes returns the region's backing bytes.
func (r *Region) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.words[0])), len(r.words)*CASWindow)
}

// Alloc reserves n bytes at the given alignment and returns their address.
// Panics if the region is exhausted; regions only grow by being replaced.
func (r *Region) Alloc(n, align int) uintptr {
	if align <= 0 {
		align = 1
	}
	for r.used%align != 0 {
		r.used++
	}
	if r.used+n > len(r.words)*CASWindow {
		panic("patch: region exhausted")
	}
	addr := r.Base() + uintptr(r.used)
	r.used += n
	return addr
}
