// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

// RunEnter calls into the enter thunk with the given cycle budget and
// returns when the matching exit thunk runs (spec §6, entry point
// run(cycles)). It is implemented in call_amd64.s because Go provides no
// other way to make an ordinary CALL into a raw, non-Go code address while
// keeping the current goroutine's stack — the same role the teacher's
// jitcall (exec/internal/compile/native_exec.go) plays for invoking a
// compiled WebAssembly block.
//
// RunEnter does not itself report the remaining cycle budget; the caller
// reads it back out of the guest context after this returns.
func RunEnter(enterThunk uintptr, cycles int64)
