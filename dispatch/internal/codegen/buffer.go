// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codegen emits the host machine code the dispatch core runs:
// the code buffer that backs it, the six dispatch thunks, and the linkage-
// slot patch/restore encodings. Everything here is amd64-specific; other
// architectures would add their own backend alongside this one the way the
// teacher's exec/internal/compile package gates AMD64Backend behind its own
// file.
package codegen

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// defaultBufferSize is the minimum size of a Buffer's single backing
// mapping. Blocks and thunks are bump-allocated out of it, in the manner of
// the teacher's MMapAllocator (exec/internal/compile/allocator_test.go);
// no further mapping is added when it fills (see growLocked).
const defaultBufferSize = 1 << 20 // 1 MiB

// Buffer is the executable+writable arena described in spec §4.A: append,
// alignment, and current-pointer query. There is no reclamation; the only
// way to shrink it is to throw the whole Buffer away (JIT.Reset).
type Buffer struct {
	mu     sync.Mutex
	region mmap.MMap
	used   int
}

// NewBuffer maps a fresh RWX region of at least size bytes (rounded up to
// defaultBufferSize). Failure to map is fatal at construction time per
// spec §4.A — the caller gets a *ResourceError-shaped error and should not
// attempt to proceed without a working buffer.
func NewBuffer(size int) (*Buffer, error) {
	if size < defaultBufferSize {
		size = defaultBufferSize
	}
	region, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("codegen: mmap anonymous region: %w", err)
	}
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		region.Unmap()
		return nil, fmt.Errorf("codegen: mprotect RWX: %w", err)
	}
	return &Buffer{region: region}, nil
}

// Close unmaps the region. No guest execution may be in flight when this is
// called (spec §3, Lifecycle).
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.region.Unmap()
}

// Current returns the address the next Emit would write to.
func (b *Buffer) Current() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr(b.used)
}

func (b *Buffer) addr(offset int) uintptr {
	return uintptr(unsafe.Pointer(&b.region[0])) + uintptr(offset)
}

// Align advances the write cursor so Current() is a multiple of n,
// without writing into the padding (the pad keeps the fresh mapping's zero
// bytes, which are not trap instructions on amd64; nothing ever jumps into
// the pad, so the fill value does not matter). Returns an error if the buffer has no room left to
// grow into — code-buffer exhaustion is resource exhaustion (spec §7),
// not a core invariant violation, so it is reported rather than panicked.
func (b *Buffer) Align(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rem := b.used % n; rem != 0 {
		if err := b.growLocked(n - rem); err != nil {
			return err
		}
		b.used += n - rem
	}
	return nil
}

// Emit appends code to the buffer and returns its starting address, or an
// error if the buffer is exhausted and cannot grow to hold it.
func (b *Buffer) Emit(code []byte) (uintptr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.growLocked(len(code)); err != nil {
		return 0, err
	}
	start := b.addr(b.used)
	copy(b.region[b.used:], code)
	b.used += len(code)
	return start, nil
}

// growLocked reports whether n more bytes are available. The dispatch core
// never retains raw pointers into the buffer across a grow except through
// CodeEntry values captured after the corresponding Emit/Align returns, so
// growth never invalidates anything already handed out — recorded
// addresses refer to committed bytes, not to this mapping's base. There is
// currently no mapping-another-chunk path: a Buffer is sized once at
// construction and exhaustion is surfaced to the caller rather than grown
// past, which is what the returned error reports.
func (b *Buffer) growLocked(n int) error {
	if b.used+n <= len(b.region) {
		return nil
	}
	return fmt.Errorf("codegen: code buffer exhausted: used=%d want=%d cap=%d", b.used, n, len(b.region))
}

// PatchAt overwrites the len(code) bytes starting at addr with code. The
// caller is responsible for addr being a linkage slot of exactly that
// width (spec §4.E, patch_edge/restore_edge) — codegen does not itself
// track linkage-slot boundaries, dispatch.Controller does.
func PatchAt(addr uintptr, code []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(code))
	copy(dst, code)
	syncInstructionCache(addr, len(code))
}

// ReadAt returns a copy of n bytes starting at addr, used by tests that
// decode linkage-slot contents (P2/P3).
func ReadAt(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}
