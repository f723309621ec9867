// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import "testing"

func testConfig() GuestConfig {
	cfg, err := NewGuestConfig(0x00FFFFFE, 1, 0, 4, 8)
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestCacheDefaultsToCompileThunk(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	for pc := uint32(0); pc < 0x1000; pc += 0x100 {
		if got := c.Lookup(pc); got != CodeEntry(1) {
			t.Fatalf("Lookup(0x%x) = %v, want compile thunk", pc, got)
		}
	}
}

func TestCacheInstallThenLookup(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	c.Install(0x1000, CodeEntry(0xdead))
	if got := c.Lookup(0x1000); got != CodeEntry(0xdead) {
		t.Fatalf("Lookup(0x1000) = %v, want 0xdead", got)
	}
}

func TestCacheInstallOverNonCompileSlotPanics(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	c.Install(0x1000, CodeEntry(0xdead))

	defer func() {
		if recover() == nil {
			t.Fatal("Install over an already-installed slot did not panic")
		}
	}()
	c.Install(0x1000, CodeEntry(0xbeef))
}

func TestCacheInvalidateRestoresCompileThunk(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	c.Install(0x1000, CodeEntry(0xdead))
	c.Invalidate(0x1000)
	if got := c.Lookup(0x1000); got != CodeEntry(1) {
		t.Fatalf("Lookup(0x1000) after invalidate = %v, want compile thunk", got)
	}
}

// TestCacheInvalidateNotCachedIsNoop covers boundary B3.
func TestCacheInvalidateNotCachedIsNoop(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	before := c.SlotsSnapshot()
	c.Invalidate(0x9000)
	after := c.SlotsSnapshot()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("slot %d changed after invalidating an uncached pc", i)
		}
	}
}

// TestCacheDirectMappedCollision covers boundary B1: two distinct PCs that
// hash to the same slot; installing one evicts the other from the cache,
// without the cache itself needing to know about edges.
func TestCacheDirectMappedCollision(t *testing.T) {
	cfg := testConfig()
	c := NewCache(cfg, CodeEntry(1))

	pcA := uint32(0x1000)
	pcB := pcA | 0x01000000 // a bit outside cfg.AddrMask: same slot, different PC

	c.Install(pcA, CodeEntry(0xA))
	if got := c.Lookup(pcB); got != CodeEntry(0xA) {
		t.Fatalf("Lookup(pcB) before collision = %v, want 0xA (same slot as pcA)", got)
	}

	c.Invalidate(pcB)
	c.Install(pcB, CodeEntry(0xB))
	if got := c.Lookup(pcA); got != CodeEntry(0xB) {
		t.Fatalf("Lookup(pcA) after collision = %v, want 0xB", got)
	}
}

func TestCacheResetRestoresAllSlots(t *testing.T) {
	c := NewCache(testConfig(), CodeEntry(1))
	c.Install(0x1000, CodeEntry(0xdead))
	c.Reset()
	if got := c.Lookup(0x1000); got != CodeEntry(1) {
		t.Fatalf("Lookup(0x1000) after Reset = %v, want compile thunk", got)
	}
}
