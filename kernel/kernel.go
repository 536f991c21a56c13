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

// Package kernel holds the compiled product of one Engine.Compile call:
// an executable page plus the metadata needed to size and address a
// matching Buffer, and the buffer type itself (§4.5, §4.6).
package kernel

import (
	"fmt"
	"sync"

	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/ir"
)

// Metadata describes a compiled kernel well enough for a caller to size
// and populate a Buffer without holding the graph itself (§4.5
// "Metadata: vector width, backend name, highest node ID touched ...").
type Metadata struct {
	BackendName        string
	VectorWidth        int
	HighestNodeID      ir.NodeID
	OptimizedNodeCount int
	WorkingNodeCount   int
	Outputs            []ir.NodeID
	IDMap              map[ir.NodeID]ir.NodeID // original graph id -> optimized id
	ConstPool          []float64
	HasGradient        bool
}

// noCopy marks Kernel as move-only: `go vet`'s copylocks check flags any
// by-value copy or struct literal copy of a type embedding it, the
// standard library idiom for documenting "construct once, pass by
// pointer" (the same contract sync.Mutex uses to forbid copying itself).
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Kernel is the compiled, executable form of one optimized graph. It is
// immutable after construction and its entry point is reentrant across
// threads provided each call supplies its own Buffer (§4.5); construct
// one per compilation and close it exactly once.
type Kernel struct {
	noCopy

	meta Metadata
	a    *asm.Assembler
	fn   uintptr

	closeOnce sync.Once
	closeErr  error
}

// New wraps an assembled, loaded entry point (fn, from a.Load()) with
// its metadata. The caller must not call a.Load() or otherwise reuse a
// after this; Kernel now owns the executable page's lifetime.
func New(a *asm.Assembler, fn uintptr, meta Metadata) *Kernel {
	return &Kernel{meta: meta, a: a, fn: fn}
}

// Metadata returns k's compile-time metadata.
func (k *Kernel) Metadata() Metadata {
	return k.meta
}

// NewBuffer allocates a Buffer sized and pre-populated for k.
func (k *Kernel) NewBuffer() *Buffer {
	return NewBuffer(k.meta, k.meta.HasGradient)
}

// Evaluate invokes k's entry point against buf. buf must have been
// built from k's own metadata (via k.NewBuffer, or NewBuffer(k.Metadata(), ...));
// a mismatched buffer is a caller bug, not a recoverable error, since
// the emitted code addresses memory by raw offset with no bounds
// checking of its own.
func (k *Kernel) Evaluate(buf *Buffer) error {
	if buf.lanes != k.meta.VectorWidth {
		return fmt.Errorf("kernel: buffer built for vector width %d, kernel wants %d", buf.lanes, k.meta.VectorWidth)
	}
	if k.meta.HasGradient && len(buf.gradients) == 0 {
		return fmt.Errorf("kernel: kernel was compiled with gradient ops but buffer has no gradient slice")
	}
	count := uintptr(int(k.meta.HighestNodeID+1) + len(k.meta.ConstPool))
	callEntry(k.fn, buf.valuesPtr(), buf.gradientsPtr(), count)
	return nil
}

// Close releases the executable page backing k. Safe to call more than
// once; only the first call does any work.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		k.closeErr = k.a.Unmap()
	})
	return k.closeErr
}
