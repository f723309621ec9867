// Copyright 2026 The go-dbt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import "log"

// Option configures a JIT at construction time, in the style of the
// teacher's exec.EnableAOT: a functional option that flips a field on the
// not-yet-returned value rather than threading another constructor
// parameter through NewGuestConfig/New.
type Option func(*JIT)

// WithLogger attaches a logger for the trace lines WithDispatchTrace
// enables, which are written from the compile_block upcall. Reset, buffer
// exhaustion and invariant aborts are not logged, and nothing on the
// dynamic/static path logs — spec §4.D forbids it from touching anything
// but the cache slot and a handful of registers.
func WithLogger(l *log.Logger) Option {
	return func(j *JIT) { j.logger = l }
}

// WithDispatchTrace enables a counter-gated log line for every nth
// compile_block upcall. Interrupt traversals are not traced, and neither is
// dynamic itself, which the core contract keeps allocation- and call-free. Mirrors the original backend's
// LOG_DISPATCH_EVERY_N switch (original_source/src/jit/backend/x64/x64_dispatch.cc),
// which also disables static-branch linking while tracing is on — linking
// removes the very thunks being logged. n == 0 disables tracing (default).
func WithDispatchTrace(n uint64) Option {
	return func(j *JIT) {
		j.settings.traceEvery = n
		if n > 0 {
			j.settings.linkingDisabled = true
		}
	}
}
