// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// +build !appengine amd64

package dispatch

import (
	"fmt"
	"runtime"
	"testing"
	"unsafe"

	"github.com/go-dbt/dispatch/dispatch/internal/codegen"
)

// These tests actually execute generated thunks (RunEnter really calls into
// the host), the same way the teacher's TestAMD64JitCall runs a real
// nativeBlock.Invoke rather than mocking the call. supportedOS mirrors the
// teacher's own gate (exec/internal/compile/backend_amd64_test.go).
func supportedOS(os string) bool {
	return os == "linux" || os == "windows" || os == "darwin"
}

// guestContext is a minimal, test-owned layout for the three fields the core
// touches: pc at offset 0, cycles at offset 4, instrs at offset 8. A real
// guest CPU's context struct would be far larger; the core never looks past
// these three fields (spec §1, non-goals).
type guestContext struct {
	pc     uint32
	cycles int32
	instrs int32
}

type fakeGuestCPU struct {
	ctx        guestContext
	mem        [64]byte
	interrupts int
}

func (g *fakeGuestCPU) Context() unsafe.Pointer { return unsafe.Pointer(&g.ctx) }
func (g *fakeGuestCPU) Memory() unsafe.Pointer  { return unsafe.Pointer(&g.mem[0]) }
func (g *fakeGuestCPU) InterruptCheck()         { g.interrupts++ }

func testGuestConfig(t *testing.T) GuestConfig {
	t.Helper()
	cfg, err := NewGuestConfig(0x0000FFFF, 0, 0, 4, 8)
	if err != nil {
		t.Fatalf("NewGuestConfig: %v", err)
	}
	return cfg
}

// emitSetPCAndJump builds a tiny "compiled block": store newPC into the
// guest context's pc field (offset 0 in this file's guestContext), then
// jump to target. It stands in for a real BlockCompiler's output, built via
// codegen.EmitSyntheticBlock so a recordingCompiler can return something Run
// can actually execute.
func emitSetPCAndJump(buf *codegen.Buffer, newPC uint32, target uintptr) (CodeEntry, error) {
	addr, err := codegen.EmitSyntheticBlock(buf, 0, newPC, target)
	return CodeEntry(addr), err
}

// recordingCompiler compiles every distinct pc exactly once into a block
// that advances pc by 4 and exits. jit is filled in after dispatch.New
// returns: CompileBlock is never invoked during New itself, only from the
// first real dispatch, so the cycle is broken the same way a real embedder
// would wire a BlockCompiler that needs to reach back into the JIT for its
// code buffer.
type recordingCompiler struct {
	jit      *JIT
	compiled []uint32
}

func (c *recordingCompiler) CompileBlock(pc uint32) (CodeEntry, error) {
	c.compiled = append(c.compiled, pc)
	return emitSetPCAndJump(c.jit.Buffer(), pc+4, c.jit.Thunks().Exit)
}

func newTestJIT(t *testing.T) (*JIT, *fakeGuestCPU, *recordingCompiler) {
	t.Helper()
	if !supportedOS(runtime.GOOS) {
		t.Skip("RWX anonymous mmap not exercised on this OS")
	}
	if runtime.GOARCH != "amd64" {
		t.Skip("thunks are amd64-only")
	}

	guest := &fakeGuestCPU{}
	compiler := &recordingCompiler{}
	j, err := New(testGuestConfig(t), guest, compiler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	compiler.jit = j
	t.Cleanup(func() { j.Close() })
	return j, guest, compiler
}

// TestJITRunCompilesOnFirstDispatch covers scenario S1: the first traversal
// of an uncached pc falls into the compile thunk, which upcalls CompileBlock
// exactly once and installs the result; dispatch then lands in that block.
func TestJITRunCompilesOnFirstDispatch(t *testing.T) {
	j, guest, compiler := newTestJIT(t)
	guest.ctx.pc = 0x100

	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(compiler.compiled) != 1 || compiler.compiled[0] != 0x100 {
		t.Fatalf("compiled = %v, want exactly [0x100]", compiler.compiled)
	}
	if got := guest.ctx.pc; got != 0x104 {
		t.Fatalf("guest.ctx.pc = 0x%x, want 0x104", got)
	}
	if entry := j.LookupCode(0x100); entry == CodeEntry(j.Thunks().Compile) {
		t.Fatal("cache slot for 0x100 still holds the compile thunk after compilation")
	}
}

// TestJITRunReusesCachedBlock covers the cache half of S1: a second
// traversal of the same pc does not invoke CompileBlock again.
func TestJITRunReusesCachedBlock(t *testing.T) {
	j, guest, compiler := newTestJIT(t)
	guest.ctx.pc = 0x200

	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	guest.ctx.pc = 0x200
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(compiler.compiled) != 1 {
		t.Fatalf("compiled = %v, want exactly one compilation across two traversals", compiler.compiled)
	}
}

// TestJITInvalidateForcesRecompile covers S3 at the JIT level: invalidating
// a cached pc makes the next traversal compile it again.
func TestJITInvalidateForcesRecompile(t *testing.T) {
	j, guest, compiler := newTestJIT(t)
	guest.ctx.pc = 0x300

	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	j.Invalidate(0x300)
	guest.ctx.pc = 0x300
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(compiler.compiled) != 2 {
		t.Fatalf("compiled = %v, want two compilations (one per traversal, separated by Invalidate)", compiler.compiled)
	}
}

// TestJITCacheCodePreWarms exercises the downcall a BlockCompiler can use to
// install a block before the compile thunk ever sees its pc.
func TestJITCacheCodePreWarms(t *testing.T) {
	j, guest, compiler := newTestJIT(t)

	entry, err := emitSetPCAndJump(j.Buffer(), 0x404, j.Thunks().Exit)
	if err != nil {
		t.Fatalf("emitSetPCAndJump: %v", err)
	}
	j.CacheCode(0x400, entry)

	guest.ctx.pc = 0x400
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(compiler.compiled) != 0 {
		t.Fatalf("compiled = %v, want no compile-thunk traversal for a pre-warmed pc", compiler.compiled)
	}
	if got := guest.ctx.pc; got != 0x404 {
		t.Fatalf("guest.ctx.pc = 0x%x, want 0x404", got)
	}
}

// TestJITResetClearsCacheAndEdges covers S6: Reset is idempotent and leaves
// every previously compiled pc needing recompilation.
func TestJITResetClearsCacheAndEdges(t *testing.T) {
	j, guest, compiler := newTestJIT(t)
	guest.ctx.pc = 0x500
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := j.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := j.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}

	if entry := j.LookupCode(0x500); entry != CodeEntry(j.Thunks().Compile) {
		t.Fatalf("LookupCode(0x500) after Reset = %v, want the (new) compile thunk", entry)
	}
	if got := j.edges.Len(); got != 0 {
		t.Fatalf("edges.Len() after Reset = %d, want 0", got)
	}

	guest.ctx.pc = 0x500
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(compiler.compiled) != 2 {
		t.Fatalf("compiled = %v, want one compilation before Reset and one after", compiler.compiled)
	}
}

// TestJITCloseUnmapsBuffer confirms Close is safe to call without a prior
// Run and that a second Close, after the buffer is already released, is a
// no-op.
func TestJITCloseUnmapsBuffer(t *testing.T) {
	j, _, _ := newTestJIT(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestJITRunProcessesInterruptThenExits covers scenario S5: a compiled block
// that advances pc and then jumps to the interrupt thunk (instead of back to
// dynamic) causes exactly one InterruptCheck per traversal, landing dynamic
// on the new pc once InterruptCheck returns; a block installed at that pc
// which tail-jumps to exit then makes Run return normally.
func TestJITRunProcessesInterruptThenExits(t *testing.T) {
	j, guest, _ := newTestJIT(t)

	// Advances pc from 0x600 to 0x604 and routes through Interrupt rather
	// than straight to Exit, the shape a compiled block uses at a
	// cycle-budget boundary the compiler has marked.
	toInterrupt, err := emitSetPCAndJump(j.Buffer(), 0x604, j.Thunks().Interrupt)
	if err != nil {
		t.Fatalf("emitSetPCAndJump: %v", err)
	}
	j.CacheCode(0x600, toInterrupt)

	afterInterrupt, err := emitSetPCAndJump(j.Buffer(), 0x700, j.Thunks().Exit)
	if err != nil {
		t.Fatalf("emitSetPCAndJump: %v", err)
	}
	j.CacheCode(0x604, afterInterrupt)

	guest.ctx.pc = 0x600
	if _, err := j.Run(1000); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if guest.interrupts != 1 {
		t.Fatalf("interrupts = %d, want exactly 1", guest.interrupts)
	}
	if got := guest.ctx.pc; got != 0x700 {
		t.Fatalf("guest.ctx.pc = 0x%x, want 0x700 (Interrupt falls through to dynamic at pc 0x604)", got)
	}
}

// erroringCompiler always fails, standing in for a BlockCompiler that hits a
// resource limit (spec §7's ResourceError category) while the executor is
// mid-dispatch.
type erroringCompiler struct{}

func (erroringCompiler) CompileBlock(pc uint32) (CodeEntry, error) {
	return 0, &ResourceError{Op: "compile block", Cause: fmt.Errorf("synthetic failure at pc=0x%x", pc)}
}

// TestJITRunSurfacesCompileBlockError covers the unrecovered-panic boundary
// compileBlockUpcall guards: a CompileBlock failure must come back out of
// Run as an error rather than crashing the process when the panic crosses
// from Go back into the raw-asm frames beneath it.
func TestJITRunSurfacesCompileBlockError(t *testing.T) {
	if !supportedOS(runtime.GOOS) {
		t.Skip("RWX anonymous mmap not exercised on this OS")
	}
	if runtime.GOARCH != "amd64" {
		t.Skip("thunks are amd64-only")
	}

	guest := &fakeGuestCPU{}
	j, err := New(testGuestConfig(t), guest, erroringCompiler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	guest.ctx.pc = 0x800
	if _, err := j.Run(1000); err == nil {
		t.Fatal("Run returned a nil error for a failing CompileBlock")
	}

	if entry := j.LookupCode(0x800); entry != CodeEntry(j.Thunks().Exit) {
		t.Fatalf("LookupCode(0x800) after a failed compile = %v, want the exit thunk", entry)
	}
}
