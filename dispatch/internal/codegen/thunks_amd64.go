// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
)

// Config carries everything the thunks need to bake in as immediates at
// emission time: the guest-context/memory bases they pin into regCtx/regMem,
// the three context field offsets, and the cache's backing-array address
// (spec §4.D describes dynamic's cache lookup as "invasively looking into
// the jit's cache" — the thunk embeds the array's address directly rather
// than indirecting through a Go pointer at runtime).
type Config struct {
	AddrMask     uint32
	CacheShift   uint
	OffsetPC     uintptr
	OffsetCycles uintptr
	OffsetInstrs uintptr
	CacheBase    uintptr
	CtxBase      uintptr
	MemBase      uintptr
}

// Upcalls holds the host-side function addresses the thunks call back
// into, plus the opaque pointer (the owning *dispatch.JIT, as an
// uintptr) passed as the first argument to each of them.
type Upcalls struct {
	JITPtr       uintptr
	CompileBlock uintptr // func(jitPtr uintptr, pc uint32)
	AddEdge      uintptr // func(jitPtr uintptr, site uintptr, dst uint32)
	Interrupt    uintptr // func(jitPtr uintptr)
}

// Thunks holds the six entry points spec §4.D names.
type Thunks struct {
	Enter     uintptr
	Exit      uintptr
	Dynamic   uintptr
	Static    uintptr
	Compile   uintptr
	Interrupt uintptr
}

// thunkAlignment matches the original backend's e.align(32): each thunk
// starts on its own cache line.
const thunkAlignment = 32

// EmitThunks generates the six dispatch thunks into buf and returns their
// addresses. Dynamic is emitted first because every other thunk except exit
// ends by tail-jumping to it, and baking in its already-known address avoids any
// need for forward-reference patching.
func EmitThunks(buf *Buffer, cfg Config, up Upcalls) (*Thunks, error) {
	t := &Thunks{}

	var err error
	if t.Dynamic, err = emitDynamic(buf, cfg); err != nil {
		return nil, fmt.Errorf("codegen: emit dynamic: %w", err)
	}
	if t.Static, err = emitStatic(buf, cfg, up, t.Dynamic); err != nil {
		return nil, fmt.Errorf("codegen: emit static: %w", err)
	}
	if t.Compile, err = emitCompile(buf, cfg, up, t.Dynamic); err != nil {
		return nil, fmt.Errorf("codegen: emit compile: %w", err)
	}
	if t.Interrupt, err = emitInterrupt(buf, cfg, up, t.Dynamic); err != nil {
		return nil, fmt.Errorf("codegen: emit interrupt: %w", err)
	}
	if t.Enter, err = emitEnter(buf, cfg, t.Dynamic); err != nil {
		return nil, fmt.Errorf("codegen: emit enter: %w", err)
	}
	if t.Exit, err = emitExit(buf); err != nil {
		return nil, fmt.Errorf("codegen: emit exit: %w", err)
	}
	return t, nil
}

// cacheIndexScale folds the ">> cache_shift" into the SIB addressing mode's
// scale factor, as the original backend does: cache_mask (here AddrMask)
// is defined with its low CacheShift bits already zero (CacheShift is the
// number of trailing zero bits of AddrMask), so for CacheShift <= 3,
// (pc & AddrMask) >> CacheShift, times the pointer size, is the same value
// as (pc & AddrMask) times (8 >> CacheShift) — letting a single indexed
// memory operand do the index computation instead of a separate shift.
// Above that, the shift genuinely has to be emitted.
func cacheIndexScale(cacheShift uint) (scale int16, needsShift bool) {
	if cacheShift <= 3 {
		return int16(8 >> cacheShift), false
	}
	return 8, true
}

// emitDynamic is the hot path (spec §4.D): read guest.pc, index the cache,
// tail-jump through the slot. It must not spill or touch memory outside
// the slot.
func emitDynamic(buf *Buffer, cfg Config) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 8)
	if err != nil {
		return 0, err
	}

	emitMovImm64(b, regBase, uint64(cfg.CacheBase))
	emitLoadMem32(b, regArg2, regCtx, int64(cfg.OffsetPC))
	emitAndImm32(b, regArg2, cfg.AddrMask)

	scale, needsShift := cacheIndexScale(cfg.CacheShift)
	if needsShift {
		emitShrImm32(b, regArg2, cfg.CacheShift)
	}
	emitJmpIndexedMem(b, regBase, regArg2, scale)

	return buf.Emit(b.Assemble())
}

// emitStatic implements the two-pass linking thunk (spec §4.D/§4.E). It is
// called, not jumped to, from the linkage slot itself (the slot's unlinked
// encoding is the call): the return address on the stack names the byte
// just past the call, i.e. just past the linkage slot. The thunk pops it
// and subtracts the 5-byte call-rel32 encoding's width to recover the
// slot's start address, then upcalls AddEdge before falling through to dynamic.
func emitStatic(buf *Buffer, cfg Config, up Upcalls, dynamic uintptr) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		return 0, err
	}

	emitMovImm64(b, regArg0, uint64(up.JITPtr))
	emitPop(b, regArg1)
	emitSubImm64(b, regArg1, linkageSlotWidth)
	emitLoadMem32(b, regArg2, regCtx, int64(cfg.OffsetPC))
	emitUpcall(b, regAddr, up.AddEdge)
	emitReloadPinned(b, cfg)

	emitTailJumpTo(b, regAddr, dynamic)

	return buf.Emit(b.Assemble())
}

// emitCompile is the default cache-slot contents: compile the block at the
// current pc, install it, and fall through to dynamic, which will now find
// it installed (spec §4.D/§4.E).
func emitCompile(buf *Buffer, cfg Config, up Upcalls, dynamic uintptr) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 8)
	if err != nil {
		return 0, err
	}

	emitMovImm64(b, regArg0, uint64(up.JITPtr))
	emitLoadMem32(b, regArg1, regCtx, int64(cfg.OffsetPC))
	emitUpcall(b, regAddr, up.CompileBlock)
	emitReloadPinned(b, cfg)

	emitTailJumpTo(b, regAddr, dynamic)

	return buf.Emit(b.Assemble())
}

// emitInterrupt processes pending guest-visible interrupts before
// re-dispatching (spec §4.D). Compiled blocks jump here instead of to
// dynamic at cycle-budget boundaries the compiler has marked.
func emitInterrupt(buf *Buffer, cfg Config, up Upcalls, dynamic uintptr) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 8)
	if err != nil {
		return 0, err
	}

	emitMovImm64(b, regArg0, uint64(up.JITPtr))
	emitUpcall(b, regAddr, up.Interrupt)
	emitReloadPinned(b, cfg)

	emitTailJumpTo(b, regAddr, dynamic)

	return buf.Emit(b.Assemble())
}

// emitReloadPinned re-materializes regCtx/regMem from their known immediate
// values after a CALL into Go code (an upcall), rather than trusting them to
// survive the call the way a classic callee-saved register would. This is
// necessary but not sufficient: R14 doubles as Go's own current-goroutine
// register under ABIInternal, so the callee itself runs with R14 already
// holding regCtx's value rather than g for the duration of the call, which
// this reload cannot retroactively fix. Full correctness needs the real g
// value captured once (e.g. at emitEnter, before R14 is repurposed) and
// restored into R14 immediately before every emitUpcall CALL, with regCtx
// reloaded again right after — tracked as an open gap, not implemented here.
func emitReloadPinned(b *asm.Builder, cfg Config) {
	emitMovImm64(b, regCtx, uint64(cfg.CtxBase))
	emitMovImm64(b, regMem, uint64(cfg.MemBase))
}

// emitEnter sets up the host frame, pins the base registers, seeds the
// cycle budget, and jumps into dynamic (spec §4.D). The cycles argument
// arrives in regArg0, placed there by the Go-side trampoline (call_amd64.s)
// that calls into this thunk.
func emitEnter(buf *Buffer, cfg Config, dynamic uintptr) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		return 0, err
	}

	for _, r := range calleeSaved {
		emitPush(b, r)
	}
	emitSubImm64(b, regSP, stackFrameSize)

	emitMovImm64(b, regCtx, uint64(cfg.CtxBase))
	emitMovImm64(b, regMem, uint64(cfg.MemBase))

	emitStoreMem32Reg(b, regCtx, int64(cfg.OffsetCycles), regArg0)
	emitStoreMem32Imm(b, regCtx, int64(cfg.OffsetInstrs), 0)

	emitTailJumpTo(b, regAddr, dynamic)

	return buf.Emit(b.Assemble())
}

// emitExit tears down the frame enter built and returns to enter's caller
// (the Go-side trampoline).
func emitExit(buf *Buffer) (uintptr, error) {
	if err := buf.Align(thunkAlignment); err != nil {
		return 0, err
	}
	b, err := asm.NewBuilder("amd64", 12)
	if err != nil {
		return 0, err
	}

	emitAddImm64(b, regSP, stackFrameSize)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		emitPop(b, calleeSaved[i])
	}
	emitRet(b)

	return buf.Emit(b.Assemble())
}
