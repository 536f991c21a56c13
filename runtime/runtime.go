/*
 * Copyright 2021 ByteDance Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package runtime is the process-wide machinery every compiled kernel
// shares (§4.7): a backend registry, and bookkeeping over the
// executable pages kernels hold. The actual mmap/mprotect sequence
// lives in asm.Assembler.Load/Unmap — those are OS syscalls, not
// shared state — so Runtime's job is the part that genuinely is
// shared: one registry, and running totals a host process can inspect.
package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/da-roth/forge/asm"
)

// Runtime is the process-wide singleton constructed on first use and
// held for the process lifetime (§4.7). It is safe for concurrent use;
// Engine instances (single-thread-use, §5) share one Runtime.
type Runtime struct {
	Registry *Registry

	liveKernels  atomic.Int64
	liveBytes    atomic.Int64
	totalCompiles atomic.Int64
}

var (
	instance     *Runtime
	instanceOnce sync.Once
)

// Get returns the process-wide Runtime, constructing it on first call.
func Get() *Runtime {
	instanceOnce.Do(func() {
		instance = &Runtime{Registry: newRegistry()}
	})
	return instance
}

// TrackLoad records that a.Load() just produced a kernel's executable
// page, for the stats Stats returns. Call after a successful Load.
func (r *Runtime) TrackLoad(a *asm.Assembler) {
	r.liveKernels.Add(1)
	r.totalCompiles.Add(1)
	r.liveBytes.Add(int64(a.Size()))
}

// TrackUnload records that a kernel's page has been released via
// a.Unmap(). Call after a successful Unmap.
func (r *Runtime) TrackUnload(a *asm.Assembler) {
	r.liveKernels.Add(-1)
	r.liveBytes.Add(-int64(a.Size()))
}

// Stats is a point-in-time snapshot of process-wide kernel bookkeeping.
type Stats struct {
	LiveKernels   int64
	LiveBytes     int64
	TotalCompiles int64
}

// Stats returns a snapshot of r's current bookkeeping.
func (r *Runtime) Stats() Stats {
	return Stats{
		LiveKernels:   r.liveKernels.Load(),
		LiveBytes:     r.liveBytes.Load(),
		TotalCompiles: r.totalCompiles.Load(),
	}
}
