// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/go-dbt/dispatch/dispatch/internal/codegen"
)

// dispatchSettings is shared, mutable state a few Options reach into after
// construction (trace counters, the linking kill-switch). It exists
// separately from JIT so Controller can hold a pointer to it without
// holding a pointer to JIT itself — Controller only needs the cache, the
// edge table, and these two knobs.
type dispatchSettings struct {
	traceEvery      uint64
	traceCount      uint64
	linkingDisabled bool
}

// JIT is a single guest CPU's dispatch core: the code buffer, the code
// cache, the edge table, the emitted thunks, and the controller that
// services thunk upcalls. It is not safe for concurrent use by more than
// one executor thread (spec §5) — a single guest CPU timeline is assumed.
type JIT struct {
	cfg      GuestConfig
	guest    GuestCPU
	compiler BlockCompiler
	buf      *codegen.Buffer
	cache    *Cache
	edges    *EdgeTable
	ctrl     *Controller
	thunks   *codegen.Thunks

	logger   *log.Logger
	settings *dispatchSettings

	mu sync.Mutex // guards Reset/Close against a concurrent Run

	// lastErr carries a failure out of the three upcalls below (a
	// CompileBlock error, or a panic recovered in any of them), which cannot
	// themselves return anything past the raw-asm boundary (see the comment
	// above them). Run clears it before entering
	// and reports it after returning; it is only ever touched while a single
	// Run is in flight, the same single-guest-timeline assumption spec §5
	// places on the rest of JIT.
	lastErr error
}

// New builds a JIT for the given guest configuration and collaborators.
// Thunks are emitted immediately; all cache slots start at the compile
// thunk (invariant I2).
func New(cfg GuestConfig, guest GuestCPU, compiler BlockCompiler, opts ...Option) (*JIT, error) {
	j := &JIT{cfg: cfg, guest: guest, settings: &dispatchSettings{}}
	for _, opt := range opts {
		opt(j)
	}

	if err := j.init(compiler); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *JIT) init(compiler BlockCompiler) error {
	j.compiler = compiler
	buf, err := codegen.NewBuffer(0)
	if err != nil {
		return &ResourceError{Op: "new code buffer", Cause: err}
	}
	j.buf = buf

	// The dynamic thunk bakes in the cache's backing-array address, while
	// the cache's default value and the controller's restore target are
	// thunk addresses, so the cache array is allocated first, the thunks are
	// emitted next, and the cache slots and the controller are filled in
	// from the thunks' addresses afterwards.
	gcfg := codegen.Config{
		AddrMask:     j.cfg.AddrMask,
		CacheShift:   j.cfg.CacheShift,
		OffsetPC:     j.cfg.OffsetPC,
		OffsetCycles: j.cfg.OffsetCycles,
		OffsetInstrs: j.cfg.OffsetInstrs,
		CtxBase:      uintptr(j.guest.Context()),
		MemBase:      uintptr(j.guest.Memory()),
	}

	cache := newRawCache(j.cfg)
	j.cache = cache
	gcfg.CacheBase = cache.backingArrayAddr()

	up := codegen.Upcalls{
		JITPtr:       uintptr(unsafe.Pointer(j)),
		CompileBlock: codegen.FuncAddr(compileBlockUpcall),
		AddEdge:      codegen.FuncAddr(addEdgeUpcall),
		Interrupt:    codegen.FuncAddr(interruptUpcall),
	}

	thunks, err := codegen.EmitThunks(j.buf, gcfg, up)
	if err != nil {
		return &ResourceError{Op: "emit thunks", Cause: err}
	}
	j.thunks = thunks
	cache.setCompileThunk(CodeEntry(thunks.Compile))

	j.edges = NewEdgeTable()
	j.ctrl = newController(j.cache, j.edges, compiler, CodeEntry(thunks.Static), j.logger, j.settings)
	return nil
}

// newRawCache and the cache.backingArrayAddr/setCompileThunk helpers below
// exist because the cache's backing array address has to be baked into the
// dynamic thunk before the compile thunk (the cache's default value) has
// been emitted — the two are constructed in two steps for that reason,
// unlike dispatch.NewCache which assumes the compile thunk address is
// already known.
func newRawCache(cfg GuestConfig) *Cache {
	return &Cache{
		slots:      make([]CodeEntry, cfg.CacheSize()),
		addrMask:   cfg.AddrMask,
		cacheShift: cfg.CacheShift,
	}
}

func (c *Cache) backingArrayAddr() uintptr {
	return uintptr(unsafe.Pointer(&c.slots[0]))
}

func (c *Cache) setCompileThunk(entry CodeEntry) {
	c.compileThunk = entry
	c.resetAll()
}

// Run is the core's entry point (spec §6): enter compiled code with the
// given cycle budget, return when the budget is exhausted or an exit is
// otherwise requested, and report whatever the guest context's cycles field
// holds afterward. A non-nil error is the last error an upcall recorded
// during this traversal. Most often it is a *ResourceError from
// CompileBlock (spec §7): dispatch was redirected straight to the exit
// thunk for the offending pc so the generated code unwound cleanly instead
// of retrying the failing compile forever, and the resulting cycles count
// reflects wherever execution stopped. An error recovered in the add_edge or
// interrupt upcall is returned the same way, but execution continued
// through dynamic after it. An *InvariantError instead re-panics here, now
// that control is back on an ordinary Go stack — the upcalls only ever
// recover it to get past the raw-asm frames beneath them, not to demote it
// to a returned error.
func (j *JIT) Run(cycles int64) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = nil
	codegen.RunEnter(j.thunks.Enter, cycles)
	if inv, ok := j.lastErr.(*InvariantError); ok {
		panic(inv)
	}
	return int64(j.readCycles()), j.lastErr
}

func (j *JIT) readCycles() int32 {
	p := (*int32)(unsafe.Pointer(uintptr(j.guest.Context()) + j.cfg.OffsetCycles))
	return *p
}

// Invalidate drops the compiled block at addr and unlinks every inbound
// edge (spec §6, downcall).
func (j *JIT) Invalidate(addr uint32) {
	j.ctrl.Invalidate(addr)
}

// CacheCode publishes code as the entry for addr, used by a BlockCompiler
// to install just-emitted code outside of the compile-thunk upcall path
// (e.g. pre-warming a block before the first traversal).
func (j *JIT) CacheCode(addr uint32, entry CodeEntry) {
	j.cache.Install(addr, entry)
}

// LookupCode is a diagnostic downcall returning the current slot contents
// for addr.
func (j *JIT) LookupCode(addr uint32) CodeEntry {
	return j.cache.Lookup(addr)
}

// Buffer exposes the code buffer so a BlockCompiler can emit compiled
// blocks into the same executable arena the thunks live in.
func (j *JIT) Buffer() *codegen.Buffer {
	return j.buf
}

// Thunks exposes the emitted thunk addresses, e.g. so a BlockCompiler can
// end a block with a tail-jump to dynamic, static, or interrupt.
func (j *JIT) Thunks() codegen.Thunks {
	return *j.thunks
}

// Reset performs a full JIT reset (spec §7.2, scenario S6): a new code
// buffer, all cache slots back to the compile thunk, the edge table
// emptied, thunks re-emitted. Idempotent: calling it twice in a row leaves
// the JIT in the same state as calling it once.
func (j *JIT) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	old := j.buf
	if err := j.init(j.compiler); err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the code buffer. No guest execution may be in flight.
func (j *JIT) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.buf == nil {
		return nil
	}
	err := j.buf.Close()
	j.buf = nil
	return err
}

// The three functions below are the only bridge between raw generated code
// and the Go runtime: their addresses are captured with codegen.FuncAddr
// and called directly from the compile/static/interrupt thunks, with jitPtr
// recovering the owning *JIT. They must not be inlined away or have their
// signatures changed independent of thunks_amd64.go's calling convention.
//
// A CALL into one of these happens while the current goroutine's stack has
// raw generated-code frames beneath it that carry no Go stack maps; these
// functions must not be allowed to panic past their own frame (a recovered
// panic is fine, an unrecovered one is not) and must return promptly, since
// the executor is, by construction, mid-dispatch for the whole call.

func compileBlockUpcall(jitPtr uintptr, pc uint32) {
	j := (*JIT)(unsafe.Pointer(jitPtr))
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("compile block at pc=0x%x: %v", pc, r)
		}
		j.lastErr = err
		// Redirect this pc straight to exit rather than leaving it on the
		// compile thunk: dynamic's fallthrough would otherwise retry the
		// same failing compile forever instead of unwinding back to Run.
		j.cache.Install(pc, CodeEntry(j.thunks.Exit))
	}()
	if err := j.ctrl.CompileBlock(pc); err != nil {
		panic(err)
	}
}

// recoverUpcall stores whatever r holds (from a just-recovered panic) onto
// j.lastErr so Run can report or re-panic it once control is back on an
// ordinary Go stack. Unlike compileBlockUpcall, neither caller below needs
// to redirect a cache slot: both fall through to dynamic regardless of
// upcall outcome, and dynamic's own re-dispatch is where execution resumes.
func recoverUpcall(j *JIT, where string, r interface{}) {
	if err, ok := r.(error); ok {
		j.lastErr = err
		return
	}
	j.lastErr = &InvariantError{Invariant: where, Detail: fmt.Sprintf("recovered panic: %v", r)}
}

func addEdgeUpcall(jitPtr uintptr, site uintptr, dst uint32) {
	j := (*JIT)(unsafe.Pointer(jitPtr))
	defer func() {
		if r := recover(); r != nil {
			recoverUpcall(j, "addEdge upcall", r)
		}
	}()
	j.ctrl.AddEdge(SourceSite(site), dst)
}

func interruptUpcall(jitPtr uintptr) {
	j := (*JIT)(unsafe.Pointer(jitPtr))
	defer func() {
		if r := recover(); r != nil {
			recoverUpcall(j, "interrupt upcall", r)
		}
	}()
	j.guest.InterruptCheck()
}
