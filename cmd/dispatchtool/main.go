// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// dispatchtool drives a dispatch.JIT against a synthetic guest program: a
// straight-line sequence of fixed-size blocks, each advancing pc by a fixed
// stride, with no branches. It exists to exercise the dispatch core end to
// end outside of a test binary, the same role wasm-run played for the
// interpreter this tool's ancestor drove.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"unsafe"

	"github.com/go-dbt/dispatch"
	"github.com/go-dbt/dispatch/internal/codegen"
)

func main() {
	log.SetPrefix("dispatchtool: ")
	log.SetFlags(0)

	blocks := flag.Uint64("blocks", 1000, "number of distinct guest blocks to traverse before exiting")
	stride := flag.Uint64("stride", 4, "bytes each synthetic block advances pc by")
	cycles := flag.Int64("cycles", 1<<20, "cycle budget passed to Run")
	trace := flag.Uint64("trace", 0, "log every nth compile_block upcall (0 disables)")
	flag.Parse()

	if err := run(os.Stdout, *blocks, *stride, *cycles, *trace); err != nil {
		log.Fatal(err)
	}
}

// guestContext is the smallest context layout the core needs: pc, cycles,
// instrs, each a 32-bit field, matching the offsets handed to
// dispatch.NewGuestConfig below.
type guestContext struct {
	pc     uint32
	cycles int32
	instrs int32
}

type syntheticGuest struct {
	ctx guestContext
	mem [256]byte
}

func (g *syntheticGuest) Context() unsafe.Pointer { return unsafe.Pointer(&g.ctx) }
func (g *syntheticGuest) Memory() unsafe.Pointer  { return unsafe.Pointer(&g.mem[0]) }
func (g *syntheticGuest) InterruptCheck()         {}

// straightLineCompiler compiles every pc into a block that stores pc+stride
// back into the guest context and either continues to the next block
// (tail-jumping to dynamic) or, once the traversal budget is spent, exits.
type straightLineCompiler struct {
	jit      *dispatch.JIT
	stride   uint32
	lastPC   uint32
	compiled int
}

func (c *straightLineCompiler) CompileBlock(pc uint32) (dispatch.CodeEntry, error) {
	c.compiled++
	next := pc + c.stride
	target := c.jit.Thunks().Dynamic
	if pc >= c.lastPC {
		target = c.jit.Thunks().Exit
	}
	return emitAdvanceAndJump(c.jit.Buffer(), next, target)
}

// emitAdvanceAndJump builds a tiny "compiled block" via the same shared
// helper jit_test.go's recordingCompiler uses, rather than hand-rolling its
// own copy of the obj.Prog construction.
func emitAdvanceAndJump(buf *codegen.Buffer, newPC uint32, target uintptr) (dispatch.CodeEntry, error) {
	addr, err := codegen.EmitSyntheticBlock(buf, 0, newPC, target)
	return dispatch.CodeEntry(addr), err
}

func run(w io.Writer, blocks, stride uint64, cycles int64, trace uint64) error {
	cfg, err := dispatch.NewGuestConfig(0x000FFFFF, 0, 0, 4, 8)
	if err != nil {
		return fmt.Errorf("guest config: %w", err)
	}

	guest := &syntheticGuest{}
	compiler := &straightLineCompiler{
		stride: uint32(stride),
		lastPC: uint32((blocks - 1) * stride),
	}

	opts := []dispatch.Option{dispatch.WithLogger(log.New(w, "", 0))}
	if trace > 0 {
		opts = append(opts, dispatch.WithDispatchTrace(trace))
	}

	j, err := dispatch.New(cfg, guest, compiler, opts...)
	if err != nil {
		return fmt.Errorf("new JIT: %w", err)
	}
	compiler.jit = j
	defer j.Close()

	if _, err := j.Run(cycles); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	fmt.Fprintf(w, "traversed pc=0x%x after %d compilations (budget %d cycles)\n",
		guest.ctx.pc, compiler.compiled, cycles)
	return nil
}
