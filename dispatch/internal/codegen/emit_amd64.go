// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// The helpers below follow the same shape as the teacher's
// emitWasmLocalsLoad/emitWasmStackPush in exec/internal/compile/backend_amd64.go:
// build one obj.Prog per instruction and hand it to the builder. They exist
// because every thunk in thunks_amd64.go repeats the same few instruction
// shapes (load immediate, load/store through a pinned base, indirect
// call/jump) with different registers and offsets.

func emitMovImm64(b *asm.Builder, reg int16, val uint64) {
	p := b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(val)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitLoadMem32(b *asm.Builder, dst, base int16, offset int64) {
	p := b.NewProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = offset
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	b.AddInstruction(p)
}

func emitStoreMem32Reg(b *asm.Builder, base int16, offset int64, src int16) {
	p := b.NewProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	b.AddInstruction(p)
}

func emitStoreMem32Imm(b *asm.Builder, base int16, offset int64, val uint32) {
	p := b.NewProg()
	p.As = x86.AMOVL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(val)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = offset
	b.AddInstruction(p)
}

func emitAndImm32(b *asm.Builder, reg int16, mask uint32) {
	p := b.NewProg()
	p.As = x86.AANDL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(mask)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitShrImm32(b *asm.Builder, reg int16, n uint) {
	p := b.NewProg()
	p.As = x86.ASHRL
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(n)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

// emitJmpIndexedMem emits `JMP [base + index*scale]`, used by the dynamic
// thunk's cache-slot tail jump.
func emitJmpIndexedMem(b *asm.Builder, base, index int16, scale int16) {
	p := b.NewProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = index
	p.To.Scale = scale
	b.AddInstruction(p)
}

func emitJmpReg(b *asm.Builder, reg int16) {
	p := b.NewProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitCallReg(b *asm.Builder, reg int16) {
	p := b.NewProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

// emitTailJumpTo loads target into scratch and jumps through it. Used for
// every thunk-to-thunk transition (the destination thunk may live
// arbitrarily far away in the code buffer, so a computed jump through a
// 64-bit immediate is used rather than a relative jump).
func emitTailJumpTo(b *asm.Builder, scratch int16, target uintptr) {
	emitMovImm64(b, scratch, uint64(target))
	emitJmpReg(b, scratch)
}

// emitUpcall loads fn into scratch and calls through it. The caller is
// responsible for having already placed arguments in regArg0/1/2 per the
// upcall calling convention (see FuncAddr in funcaddr.go).
func emitUpcall(b *asm.Builder, scratch int16, fn uintptr) {
	emitMovImm64(b, scratch, uint64(fn))
	emitCallReg(b, scratch)
}

func emitPush(b *asm.Builder, reg int16) {
	p := b.NewProg()
	p.As = x86.APUSHQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitPop(b *asm.Builder, reg int16) {
	p := b.NewProg()
	p.As = x86.APOPQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitAddImm64(b *asm.Builder, reg int16, val int64) {
	p := b.NewProg()
	p.As = x86.AADDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = val
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitSubImm64(b *asm.Builder, reg int16, val int64) {
	p := b.NewProg()
	p.As = x86.ASUBQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = val
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	b.AddInstruction(p)
}

func emitRet(b *asm.Builder) {
	p := b.NewProg()
	p.As = obj.ARET
	b.AddInstruction(p)
}

// EmitSyntheticBlock emits a minimal "compiled block": store newPC into the
// guest context at pcOffset (through the pinned regCtx base shared with
// every thunk), then jump to target. It exists for callers outside this
// package — test harnesses and demo tools that need a BlockCompiler able to
// hand the JIT something it can actually execute — so they build one the
// same way thunks_amd64.go itself does rather than hand-rolling their own
// copy of the obj.Prog construction.
func EmitSyntheticBlock(buf *Buffer, pcOffset int64, newPC uint32, target uintptr) (uintptr, error) {
	b, err := asm.NewBuilder("amd64", 8)
	if err != nil {
		return 0, err
	}
	emitStoreMem32Imm(b, regCtx, pcOffset, newPC)
	emitTailJumpTo(b, regAddr, target)
	return buf.Emit(b.Assemble())
}
