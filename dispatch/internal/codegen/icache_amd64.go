// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

// syncInstructionCache is a no-op on amd64: x86-64 guarantees self-modifying
// code is observed by the next fetch without an explicit synchronization
// instruction, as long as the write and the fetch are ordered by something
// (here, the single-executor model of spec §5 — the executor is never
// inside the bytes being patched). Backends for split I/D-cache hosts
// (ARM, RISC-V) must replace this with a real instruction-cache
// synchronization barrier per spec §4.E/§9.
func syncInstructionCache(addr uintptr, n int) {}
