// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import "encoding/binary"

// linkageSlotWidth is the fixed width, in bytes, of a linkage slot: both
// the "call static" (unlinked) and "jmp destination" (linked) encodings
// are a single 5-byte rel32 instruction (opcode byte + 4-byte signed
// displacement), matching the original backend's "sizeof jmp instr" == 5.
// Keeping both encodings the same width is what lets patch/restore
// overwrite a slot in place without touching any other instruction.
const linkageSlotWidth = 5

const (
	opcodeCallRel32 = 0xE8
	opcodeJmpRel32  = 0xE9
)

// EncodeCallStatic returns the 5-byte "call static" encoding for a linkage
// slot located at site, targeting the static thunk.
func EncodeCallStatic(site uintptr, staticThunk uintptr) []byte {
	return encodeRel32(opcodeCallRel32, site, staticThunk)
}

// EncodeJmpDestination returns the 5-byte "jmp destination" encoding for a
// linkage slot located at site, targeting dest.
func EncodeJmpDestination(site uintptr, dest uintptr) []byte {
	return encodeRel32(opcodeJmpRel32, site, dest)
}

func encodeRel32(opcode byte, site, target uintptr) []byte {
	rel := int64(target) - int64(site+linkageSlotWidth)
	if rel > int64(1)<<31-1 || rel < -(int64(1)<<31) {
		panic("codegen: linkage: destination out of rel32 reach of source site")
	}
	buf := make([]byte, linkageSlotWidth)
	buf[0] = opcode
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(rel)))
	return buf
}

// DecodeLinkageSlot reports what a linkage slot currently encodes: if it is
// a "call static" (unlinked) the returned dest is the static thunk address
// (linked is false); if it is a "jmp destination" (linked) dest is the
// jump's target (linked is true). Used by tests checking P2/P3.
func DecodeLinkageSlot(site uintptr, code []byte) (dest uintptr, linked bool, ok bool) {
	if len(code) < linkageSlotWidth {
		return 0, false, false
	}
	rel := int32(binary.LittleEndian.Uint32(code[1:5]))
	switch code[0] {
	case opcodeCallRel32:
		return uintptr(int64(site) + linkageSlotWidth + int64(rel)), false, true
	case opcodeJmpRel32:
		return uintptr(int64(site) + linkageSlotWidth + int64(rel)), true, true
	default:
		return 0, false, false
	}
}

// PatchEdge overwrites the linkage slot at site with an unconditional jump
// to dest (spec §4.E, patch_edge).
func PatchEdge(site uintptr, dest uintptr) {
	PatchAt(site, EncodeJmpDestination(site, dest))
}

// RestoreEdge overwrites the linkage slot at site with a call to the
// static thunk (spec §4.E, restore_edge).
func RestoreEdge(site uintptr, staticThunk uintptr) {
	PatchAt(site, EncodeCallStatic(site, staticThunk))
}
