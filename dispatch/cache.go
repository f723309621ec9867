// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

// Cache is the direct-mapped PC -> host code entry table (spec §4.B). The
// mapping PC -> slot is (PC & AddrMask) >> CacheShift; no key is stored,
// slot index alone encodes the bits that matter, and the compiled block is
// responsible for re-checking or ignoring the rest.
//
// Invariants (spec §3):
//
//	I1: every slot holds a valid CodeEntry at all times.
//	I2: a slot's default value is the compile thunk.
//	I3: a slot moves compile -> block -> compile only, never block -> block.
type Cache struct {
	slots        []CodeEntry
	addrMask     uint32
	cacheShift   uint
	compileThunk CodeEntry
}

// NewCache allocates a cache of cfg.CacheSize() slots, all holding
// compileThunk (invariant I2).
func NewCache(cfg GuestConfig, compileThunk CodeEntry) *Cache {
	c := &Cache{
		slots:        make([]CodeEntry, cfg.CacheSize()),
		addrMask:     cfg.AddrMask,
		cacheShift:   cfg.CacheShift,
		compileThunk: compileThunk,
	}
	c.resetAll()
	return c
}

func (c *Cache) resetAll() {
	for i := range c.slots {
		c.slots[i] = c.compileThunk
	}
}

func (c *Cache) slot(pc uint32) uint32 {
	return (pc & c.addrMask) >> c.cacheShift
}

// Lookup reads the slot for pc.
func (c *Cache) Lookup(pc uint32) CodeEntry {
	return c.slots[c.slot(pc)]
}

// Install publishes entry into pc's slot. The slot must currently hold the
// compile thunk (invariant I3); installing over anything else is a core
// bug, not a recoverable condition, per spec §4.B.
func (c *Cache) Install(pc uint32, entry CodeEntry) {
	i := c.slot(pc)
	if c.slots[i] != c.compileThunk {
		panicInvariant("I3", "install over a non-compile slot")
	}
	if entry == c.compileThunk {
		panicInvariant("I3", "install of the compile thunk itself")
	}
	c.slots[i] = entry
}

// Invalidate unconditionally restores pc's slot to the compile thunk. It is
// a no-op in effect if the slot already held it (boundary B3).
func (c *Cache) Invalidate(pc uint32) {
	c.slots[c.slot(pc)] = c.compileThunk
}

// IsCompileThunk reports whether entry is the sentinel compile-thunk value,
// i.e. the slot has no installed block.
func (c *Cache) IsCompileThunk(entry CodeEntry) bool {
	return entry == c.compileThunk
}

// Reset restores every slot to the compile thunk (used by full JIT reset,
// spec §7.2 and scenario S6).
func (c *Cache) Reset() {
	c.resetAll()
}

// SlotsSnapshot returns a copy of the current slot table, for diagnostics
// and property tests (P1). Callers must not mutate the core through the
// returned slice.
func (c *Cache) SlotsSnapshot() []CodeEntry {
	out := make([]CodeEntry, len(c.slots))
	copy(out, c.slots)
	return out
}
