// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !windows

package codegen

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// calleeSaved is the set of registers enter pushes and exit pops, in push
// order. exit must restore them in the reverse order. This is the System V
// amd64 ABI's callee-saved set as used by enter/exit's host frame; Windows
// reserves two more (see calleesaved_windows_amd64.go).
var calleeSaved = []int16{x86.REG_BX, x86.REG_BP, x86.REG_R12, x86.REG_R13, regCtx, regMem}
