// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codegen

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// calleeSaved on Windows additionally saves RDI/RSI, which the Windows x64
// calling convention reserves as callee-saved but System V does not
// (original_source/src/jit/backend/x64/x64_dispatch.cc pushes/pops them
// under its own PLATFORM_WINDOWS guard for the same reason). Kept even in
// length like the System V set, so stackFrameSize's alignment padding does
// not need a platform-specific value.
var calleeSaved = []int16{x86.REG_BX, x86.REG_BP, x86.REG_R12, x86.REG_R13, regCtx, regMem, x86.REG_DI, x86.REG_SI}
