// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import "reflect"

// FuncAddr returns the entry address of a Go function value, for embedding
// as an immediate in generated code that calls back into the host (spec
// §4.F, "calling convention for upcalls"). Upcall targets must be plain
// top-level funcs, declared with the small number of uintptr/uint32
// parameters the thunks place in regArg0/1/2 — the generated CALL relies on
// Go's own ABIInternal integer-argument register order (AX, BX, CX, ...)
// on amd64 matching that convention. The CALL does not load a closure
// context, so closures and method values (which capture their receiver)
// cannot be used.
//
// This depends on a function value pointing at a block whose first machine
// word is its code pointer, which is how the current runtime represents
// func values; it is not part of the language specification.
func FuncAddr(fn interface{}) uintptr {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic("codegen: FuncAddr called with non-func value")
	}
	return v.Pointer()
}
