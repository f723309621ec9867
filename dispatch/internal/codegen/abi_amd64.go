// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// Pinned registers shared by every thunk and every compiled block (spec
// §4.F). enter/exit save and restore whatever the caller had in them with
// ordinary pushes, the same as any other register the dispatch loop takes
// over for its own use — R14 doubles as Go's own current-goroutine register
// under ABIInternal, so after any CALL back into Go code (emitUpcall) these
// are re-materialized from their known immediates rather than assumed to
// have survived the call (see emitReloadPinned in thunks_amd64.go).
const (
	regCtx = x86.REG_R14 // guest-context base
	regMem = x86.REG_R15 // guest-memory base
)

// Scratch registers available to thunk bodies. None of these carry a value
// across a block boundary; compiled blocks are free to clobber them too.
const (
	regArg0  = x86.REG_AX // first upcall argument / cycles budget on entry
	regArg1  = x86.REG_BX // second upcall argument
	regArg2  = x86.REG_CX // third upcall argument
	regAddr  = x86.REG_DX // scratch for a computed call/jump target
	regBase  = x86.REG_R8 // scratch for a computed base address
	regIndex = x86.REG_R9 // scratch for a computed index
	regSP    = x86.REG_SP // stack pointer
)

// stackFrameSize is the fixed-size frame enter allocates and exit tears
// down (spec §4.F, "fixed host stack layout with a known frame size"). The
// extra 8 bytes keeps the frame pointer 16-byte aligned after calleeSaved's
// pushes in enter, matching the parity trick the original backend uses
// (X64_STACK_SIZE + 8) — calleeSaved always has an even length (6 on
// System V, 8 on Windows, see calleesaved_*_amd64.go), so the parity holds
// either way.
const stackFrameSize = 0x100 + 8
