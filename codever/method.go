// Package codever tracks, for every method the runtime has loaded, the set of
// IL bodies and compiled native bodies that exist over the method's lifetime,
// and owns the jump-stamp protocol that redirects a live entry point from one
// body to another. Records are never freed while the process runs; the
// version graph only grows, and teardown reclaims it wholesale.
package codever

import "sync/atomic"

// ---------------------------------------------------------------------------
// Method identity
// ---------------------------------------------------------------------------

// Module is an opaque handle to a loaded module, owned by the loader. The
// versioning core only consults the flags below; everything else about the
// module is someone else's business.
type Module struct {
	Name string

	Dynamic     bool // runtime-generated, non-persistent module
	Unloading   bool // mid-unload: method data is incomplete
	Collectible bool // loader context may be collected: not safe to stamp
}

// MethodToken identifies a method definition within its module's metadata.
type MethodToken uint32

// MethodKey names a method definition: one (module, methodDef) pair. Many
// concrete instantiations can share a key.
type MethodKey struct {
	Module *Module
	Token  MethodToken
}

// Valid reports whether the key is well-formed.
func (k MethodKey) Valid() bool {
	return k.Module != nil && k.Token != 0
}

// MethodInstance is one concrete, closed method: a generic instantiation or
// a plain method, resolved and owned by the loader. Identity is pointer
// identity; instances are used as hash keys throughout and never compared
// structurally.
type MethodInstance struct {
	Module *Module
	Token  MethodToken
	Name   string

	Generic bool // instantiation of a generic method or generic type
	NoBody  bool // no IL body (native, abstract): never versioned

	entry atomic.Uintptr // original compiled entry point; 0 until compiled
}

// Key returns the (module, methodDef) pair this instance was closed from.
func (m *MethodInstance) Key() MethodKey {
	return MethodKey{Module: m.Module, Token: m.Token}
}

// NativeEntry returns the method's original compiled entry point, or 0 if
// the method has not been compiled yet.
func (m *MethodInstance) NativeEntry() uintptr {
	return m.entry.Load()
}

// PublishNativeEntry installs the original entry point exactly once. The
// loser of a publication race leaves the winner's body in place.
func (m *MethodInstance) PublishNativeEntry(p uintptr) bool {
	return m.entry.CompareAndSwap(0, p)
}

// IsCompiled reports whether the method has a published native body.
func (m *MethodInstance) IsCompiled() bool {
	return m.entry.Load() != 0
}
