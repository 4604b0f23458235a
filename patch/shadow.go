package patch

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Debugger breakpoint patch table
// ---------------------------------------------------------------------------

// Table is the debugger's breakpoint-patch capability. The check-then-write
// sequence over a patch site must happen while holding the table's lock so
// the debugger cannot activate or clear a breakpoint mid-patch. The table
// lock is always taken after the version-table lock, never before.
type Table interface {
	Lock()
	Unlock()

	// PatchAt returns the breakpoint overlaying addr, or nil.
	PatchAt(addr uintptr) *Breakpoint
}

// Breakpoint is one debugger patch: the debugger has replaced the byte at
// Addr with a trap opcode and keeps the displaced byte in a shadow buffer.
// While the breakpoint is activated, the shadow byte is the byte that is
// "really" there, and code patches must target the shadow instead of the
// live location.
type Breakpoint struct {
	Addr      uintptr
	activated atomic.Bool
	shadow    atomic.Uint32 // low byte: the displaced opcode
}

// Activated reports whether the trap byte is currently live at Addr.
func (b *Breakpoint) Activated() bool {
	return b.activated.Load()
}

// Shadow returns the displaced byte the debugger is holding.
func (b *Breakpoint) Shadow() byte {
	return byte(b.shadow.Load())
}

// SetShadow replaces the displaced byte. When the debugger later clears the
// breakpoint it restores this byte, picking up the patch.
func (b *Breakpoint) SetShadow(v byte) {
	b.shadow.Store(uint32(v))
}

// ShadowTable is an in-process Table implementation, used by the test
// harness and by embedders without an out-of-process debugger.
type ShadowTable struct {
	mu          sync.Mutex
	breakpoints map[uintptr]*Breakpoint
}

// NewShadowTable creates an empty breakpoint table.
func NewShadowTable() *ShadowTable {
	return &ShadowTable{breakpoints: make(map[uintptr]*Breakpoint)}
}

// Lock acquires the table lock.
func (t *ShadowTable) Lock() { t.mu.Lock() }

// Unlock releases the table lock.
func (t *ShadowTable) Unlock() { t.mu.Unlock() }

// PatchAt returns the breakpoint at addr, or nil. Caller must hold the lock.
func (t *ShadowTable) PatchAt(addr uintptr) *Breakpoint {
	return t.breakpoints[addr]
}

// Set installs an activated breakpoint at addr, capturing the displaced byte.
// Returns the breakpoint so a debugger front end can deactivate it later.
func (t *ShadowTable) Set(addr uintptr, displaced byte) *Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp := &Breakpoint{Addr: addr}
	bp.SetShadow(displaced)
	bp.activated.Store(true)
	t.breakpoints[addr] = bp
	return bp
}

// Clear deactivates and removes the breakpoint at addr, returning the shadow
// byte that should be restored to the live location.
func (t *ShadowTable) Clear(addr uintptr) (byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok := t.breakpoints[addr]
	if !ok {
		return 0, false
	}
	bp.activated.Store(false)
	delete(t.breakpoints, addr)
	return bp.Shadow(), true
}
