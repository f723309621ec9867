// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch implements the dynamic-dispatch core of a dynamic binary
// translator: a PC-indexed code cache, an inter-block edge manager for
// linking static branches, and the host-side controller that the generated
// dispatch thunks (package internal/codegen) call back into.
//
// The package does not decide what a guest block contains or translate
// guest instructions — that is the job of the BlockCompiler collaborator.
// It only decides where execution goes next, as fast as possible.
package dispatch
