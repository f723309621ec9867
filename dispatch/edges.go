// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

// SourceSite identifies a linkage slot inside a compiled block: a host-code
// address holding either a call to the static thunk (unlinked) or an
// unconditional jump to a destination block (linked).
type SourceSite uintptr

// EdgeTable is a bidirectional index of patched static branches (spec
// §4.C): by destination PC, the source sites linked to it (used by
// invalidation to unlink); by source site, its destination PC (used to
// restore the static-thunk call on unlink).
//
// Deletion is always by PC or by site, never by following a raw pointer
// from one side to the other without going through the maps — this keeps
// invalidation correct even when a cache slot has been evicted by a
// colliding PC (boundary B1): the edge table's destination key is the PC,
// not the slot.
type EdgeTable struct {
	bySource map[SourceSite]uint32
	byDest   map[uint32]map[SourceSite]struct{}
}

// NewEdgeTable returns an empty edge table.
func NewEdgeTable() *EdgeTable {
	return &EdgeTable{
		bySource: make(map[SourceSite]uint32),
		byDest:   make(map[uint32]map[SourceSite]struct{}),
	}
}

// Record inserts the edge (site, dst). Idempotent: recording an
// already-recorded identical edge is a no-op.
func (t *EdgeTable) Record(site SourceSite, dst uint32) {
	if existing, ok := t.bySource[site]; ok {
		if existing == dst {
			return
		}
		// A site may not be linked to two destinations at once; re-recording
		// implies the previous edge should have been forgotten first.
		t.forgetFromDest(site, existing)
	}
	t.bySource[site] = dst
	set, ok := t.byDest[dst]
	if !ok {
		set = make(map[SourceSite]struct{})
		t.byDest[dst] = set
	}
	set[site] = struct{}{}
}

// Forget removes the edge at site, if any.
func (t *EdgeTable) Forget(site SourceSite) {
	dst, ok := t.bySource[site]
	if !ok {
		return
	}
	delete(t.bySource, site)
	t.forgetFromDest(site, dst)
}

func (t *EdgeTable) forgetFromDest(site SourceSite, dst uint32) {
	set, ok := t.byDest[dst]
	if !ok {
		return
	}
	delete(set, site)
	if len(set) == 0 {
		delete(t.byDest, dst)
	}
}

// SourcesOf returns the source sites currently linked to dst, used by
// invalidation to unlink every inbound edge before the slot is cleared.
// The order is not significant; callers must not rely on it beyond what a
// single invocation returns consistently within itself.
func (t *EdgeTable) SourcesOf(dst uint32) []SourceSite {
	set := t.byDest[dst]
	if len(set) == 0 {
		return nil
	}
	out := make([]SourceSite, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// DestinationOf returns the destination PC recorded for site, if any.
func (t *EdgeTable) DestinationOf(site SourceSite) (uint32, bool) {
	dst, ok := t.bySource[site]
	return dst, ok
}

// Len reports the number of recorded edges, for diagnostics and tests.
func (t *EdgeTable) Len() int {
	return len(t.bySource)
}

// Reset empties the edge table (used by full JIT reset).
func (t *EdgeTable) Reset() {
	t.bySource = make(map[SourceSite]uint32)
	t.byDest = make(map[uint32]map[SourceSite]struct{})
}
