// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"math/bits"
	"unsafe"
)

// CodeEntry is an opaque pointer into the code buffer: either one of the
// six thunk addresses or the entry of a compiled guest block. The zero
// value is never valid; every cache slot holds a CodeEntry at all times
// (invariant I1).
type CodeEntry uintptr

// GuestConfig is the immutable, guest-CPU-supplied configuration a JIT
// instance is built from (spec §6, "Guest-CPU contract"). It never changes
// across the lifetime of a JIT instance.
type GuestConfig struct {
	// AddrMask is the guest's addressable range mask. Only PCs whose low
	// CacheShift bits are zero are block starts.
	AddrMask uint32
	// CacheShift is the block-alignment shift. Must equal the number of
	// trailing zero bits in AddrMask (the original backend derives it with
	// ctz32(addr_mask) instead of taking it independently; NewGuestConfig
	// enforces the same relationship rather than trusting two redundant
	// inputs to agree by convention).
	CacheShift uint

	// OffsetPC, OffsetCycles, OffsetInstrs are byte offsets within the guest
	// context structure that the core reads/writes.
	OffsetPC     uintptr
	OffsetCycles uintptr
	OffsetInstrs uintptr
}

// CacheSize returns (AddrMask >> CacheShift) + 1, the number of entries the
// code cache must hold.
func (c GuestConfig) CacheSize() int {
	return int(c.AddrMask>>c.CacheShift) + 1
}

// NewGuestConfig validates the mask/shift relationship and returns a ready
// GuestConfig, or ErrCacheShiftMismatch if the two disagree.
func NewGuestConfig(addrMask uint32, cacheShift uint, offPC, offCycles, offInstrs uintptr) (GuestConfig, error) {
	want := uint(bits.TrailingZeros32(addrMask))
	if cacheShift != want {
		return GuestConfig{}, &ErrCacheShiftMismatch{AddrMask: addrMask, CacheShift: cacheShift, Want: want}
	}
	return GuestConfig{
		AddrMask:     addrMask,
		CacheShift:   cacheShift,
		OffsetPC:     offPC,
		OffsetCycles: offCycles,
		OffsetInstrs: offInstrs,
	}, nil
}

// GuestCPU is the external collaborator that owns the guest context and
// memory, and knows how to service interrupts. The core only ever reads the
// three fields named in GuestConfig through the pinned base pointers this
// interface exposes; everything else about guest-CPU semantics is outside
// the core's concern (spec §1, non-goals).
type GuestCPU interface {
	// Context returns the base address of the guest context structure. The
	// returned pointer is pinned for the lifetime of the JIT: compiled code
	// and thunks keep a host register pointed at it across every block
	// boundary.
	Context() unsafe.Pointer

	// Memory returns the base address of the guest's linear memory, pinned
	// the same way as Context.
	Memory() unsafe.Pointer

	// InterruptCheck is invoked by the interrupt thunk once per traversal of
	// a block whose epilogue requires it. It may update the PC field of the
	// guest context (e.g. to redirect to an exit trampoline) and must not
	// block: the executor is mid-dispatch when this runs.
	InterruptCheck()
}

// BlockCompiler is the external collaborator that turns a guest PC into host
// machine code for the block starting there. It is the IR/optimizer
// pipeline's entry point as seen from the dispatch core — everything about
// how guest instructions are decoded and translated is outside this
// package's concern.
type BlockCompiler interface {
	// CompileBlock synthesizes host code for the guest block at pc and
	// returns its entry point. It must not return a CodeEntry equal to the
	// compile thunk address; doing so is an invariant violation the
	// controller will reject (returning would re-enter compile and loop).
	CompileBlock(pc uint32) (CodeEntry, error)
}
