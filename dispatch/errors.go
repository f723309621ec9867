// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import "fmt"

// InvariantError reports a broken core invariant: a cache slot updated
// without going through the compile thunk, a patch applied to a site that
// does not decode as a linkage slot, an edge-table entry whose destination
// no longer agrees with the cache. These indicate a bug in the core itself,
// not a guest-visible condition, and are never recovered from — the caller
// is expected to let the panic surface.
type InvariantError struct {
	Invariant string // e.g. "I3", "P2"
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("dispatch: invariant %s violated: %s", e.Invariant, e.Detail)
}

func panicInvariant(inv, detail string) {
	panic(&InvariantError{Invariant: inv, Detail: detail})
}

// ResourceError reports failure of a resource the core depends on: the
// code buffer could not be created or ran out of room during thunk
// emission, or the BlockCompiler failed to produce a block (Op
// "compile_block"). Unlike InvariantError, this
// is returned to the caller of Run/CompileBlock rather than panicked; the
// caller may choose to call (*JIT).Reset and retry.
type ResourceError struct {
	Op    string
	Cause error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Op, e.Cause)
}

func (e *ResourceError) Unwrap() error { return e.Cause }

// ErrCacheShiftMismatch is returned by NewGuestConfig when CacheShift does
// not agree with the number of trailing zero bits in AddrMask, per the
// original backend's ctz32(addr_mask) derivation.
type ErrCacheShiftMismatch struct {
	AddrMask   uint32
	CacheShift uint
	Want       uint
}

func (e *ErrCacheShiftMismatch) Error() string {
	return fmt.Sprintf("dispatch: cache_shift %d does not match trailing zero bits of addr_mask 0x%08x (want %d)",
		e.CacheShift, e.AddrMask, e.Want)
}
