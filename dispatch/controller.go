// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"log"

	"github.com/go-dbt/dispatch/dispatch/internal/codegen"
)

// Controller is the host-side logic the dispatch thunks call back into
// (spec §4.E): compile_block, add_edge, invalidate, patch_edge,
// restore_edge. It is the only thing in this package that touches the
// code buffer's bytes after thunk emission.
type Controller struct {
	cache       *Cache
	edges       *EdgeTable
	compiler    BlockCompiler
	staticThunk CodeEntry
	logger      *log.Logger
	settings    *dispatchSettings
}

func newController(cache *Cache, edges *EdgeTable, compiler BlockCompiler, staticThunk CodeEntry, logger *log.Logger, settings *dispatchSettings) *Controller {
	return &Controller{cache: cache, edges: edges, compiler: compiler, staticThunk: staticThunk, logger: logger, settings: settings}
}

// CompileBlock asks the BlockCompiler for host code at pc and installs it.
// A compiler failure is returned as a *ResourceError with nothing
// installed, so the slot still holds the compile thunk; resuming dispatch
// at pc would re-enter this function forever (spec §4.E), which is why
// compileBlockUpcall redirects the slot to the exit thunk on failure.
func (c *Controller) CompileBlock(pc uint32) error {
	entry, err := c.compiler.CompileBlock(pc)
	if err != nil {
		return &ResourceError{Op: "compile_block", Cause: err}
	}
	if entry == c.staticThunk {
		panicInvariant("compile_block", "compiler returned the static thunk as a block entry")
	}
	c.cache.Install(pc, entry)
	c.trace(pc)
	return nil
}

// trace implements WithDispatchTrace: a counter-gated, non-hot-path log
// line. It never runs from inside dynamic.
func (c *Controller) trace(pc uint32) {
	if c.settings == nil || c.settings.traceEvery == 0 || c.logger == nil {
		return
	}
	c.settings.traceCount++
	if c.settings.traceCount%c.settings.traceEvery == 0 {
		c.logger.Printf("dispatch: compiled pc=0x%08x (trace #%d)", pc, c.settings.traceCount)
	}
}

// AddEdge implements the two-pass linking rule (spec §4.E, boundary B2): the
// first traversal of a static branch site is left unlinked because the
// destination has not necessarily been compiled yet; the second traversal
// (now that compile_block has had a chance to run) patches the site to a
// direct jump.
func (c *Controller) AddEdge(site SourceSite, dst uint32) {
	if c.settings != nil && c.settings.linkingDisabled {
		return
	}
	if existing, ok := c.edges.DestinationOf(site); ok {
		if existing == dst {
			return // already linked to the same destination; defensive no-op
		}
		// A previously linked site re-entering add_edge for a different
		// destination cannot happen through the normal dispatch path (a
		// linked site no longer calls static), but invalidate-then-relink
		// races are not something this single-executor core needs to guard
		// against beyond forgetting the stale entry.
		c.edges.Forget(site)
	}

	destEntry := c.cache.Lookup(dst)
	if c.cache.IsCompileThunk(destEntry) {
		// Destination not compiled yet; leave the static call in place.
		return
	}

	codegen.PatchEdge(uintptr(site), uintptr(destEntry))
	c.edges.Record(site, dst)
}

// Invalidate unlinks every inbound edge and then drops the compiled block
// at pc (unlink first, then clear the slot) per spec §4.E/§5: a
// concurrent traversal reaching the slot mid-unlink is safe (it falls into
// compile), but one reaching a still-linked source site must not jump into
// code that is about to be overwritten.
func (c *Controller) Invalidate(pc uint32) {
	for _, site := range c.edges.SourcesOf(pc) {
		codegen.RestoreEdge(uintptr(site), uintptr(c.staticThunk))
		c.edges.Forget(site)
	}
	c.cache.Invalidate(pc)
}

// PatchEdge overwrites the linkage slot at site with a jump to dest,
// exposed as a service per spec §6 so edge-table bookkeeping stays out of
// the thunks.
func (c *Controller) PatchEdge(site SourceSite, dest CodeEntry) {
	codegen.PatchEdge(uintptr(site), uintptr(dest))
}

// RestoreEdge overwrites the linkage slot at site with a call to the static
// thunk.
func (c *Controller) RestoreEdge(site SourceSite, _ uint32) {
	codegen.RestoreEdge(uintptr(site), uintptr(c.staticThunk))
}
