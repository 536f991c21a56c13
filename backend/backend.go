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

// Package backend defines the fixed instruction-emission interface of
// §4.3: a backend is parameterized by an assembler handle, register
// indices 0..N-1, and — for transcendentals and compares that need
// scratch — the shared register allocator. Concrete backends live in
// backend/sse2 (vector width 1) and backend/avx2 (vector width 4).
package backend

import (
	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/ir"
)

// Metadata describes a backend for the registry and for kernel
// buffer-sizing decisions (§4.3 "Backend metadata").
type Metadata struct {
	Name         string
	VectorWidth  int
	MaxRegisters int
}

// Supports reports whether op has an emission primitive on this
// backend. Kept separate from Metadata since it is a predicate over
// the full OpCode set, not fixed data.
type SupportsFunc func(op ir.OpCode) bool

// Backend is the fixed set of ~60 code-emission primitives every
// instruction-set implementation provides (§4.3, §9 "dynamic dispatch
// ... represent it as a trait/interface"). All dispatch resolves at
// compile time; there is no runtime type introspection.
type Backend interface {
	Metadata() Metadata
	Supports(op ir.OpCode) bool

	// Arithmetic: in-place dst := dst OP src.
	EmitAdd(a *asm.Assembler, dst, src int)
	EmitSub(a *asm.Assembler, dst, src int)
	EmitMul(a *asm.Assembler, dst, src int)
	EmitDiv(a *asm.Assembler, dst, src int)
	EmitMin(a *asm.Assembler, dst, src int)
	EmitMax(a *asm.Assembler, dst, src int)
	EmitSquare(a *asm.Assembler, dst int)
	EmitNeg(a *asm.Assembler, dst, tmp int)
	EmitAbs(a *asm.Assembler, dst, tmp int)
	EmitSqrt(a *asm.Assembler, dst int)
	EmitRecip(a *asm.Assembler, dst int)

	// Memory.
	EmitLoad(a *asm.Assembler, dst int, node ir.NodeID)
	EmitStore(a *asm.Assembler, src int, node ir.NodeID)
	EmitLoadFromConstantPool(a *asm.Assembler, dst int, offset int)
	EmitLoadGradient(a *asm.Assembler, dst int, node ir.NodeID)
	EmitStoreGradient(a *asm.Assembler, src int, node ir.NodeID)
	EmitAccumulateGradient(a *asm.Assembler, src int, node ir.NodeID, tmp int)
	EmitLoadValueForGradient(a *asm.Assembler, dst int, node ir.NodeID, g *ir.Graph)

	// Register-to-register.
	EmitMove(a *asm.Assembler, dst, src int)
	EmitZero(a *asm.Assembler, dst int)
	EmitLoadImmediate(a *asm.Assembler, dst int, value float64)
	EmitLoadImmediateRaw(a *asm.Assembler, dst int, bits uint64)

	// Compare/select.
	EmitCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIf(a *asm.Assembler, dst, cond, t, f int, alloc *Allocator)
	EmitIntCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *Allocator)
	EmitIntIf(a *asm.Assembler, dst, cond, t, f int, alloc *Allocator)

	// Transcendentals: take a register-allocator reference for scratch.
	EmitExp(a *asm.Assembler, dst, src int, alloc *Allocator)
	EmitLog(a *asm.Assembler, dst, src int, alloc *Allocator)
	EmitPow(a *asm.Assembler, dst, base, exp int, alloc *Allocator)
	EmitSin(a *asm.Assembler, dst, src int, alloc *Allocator)
	EmitCos(a *asm.Assembler, dst, src int, alloc *Allocator)
	EmitTan(a *asm.Assembler, dst, src int, alloc *Allocator)
	EmitMod(a *asm.Assembler, dst, src int, alloc *Allocator)

	// Bitwise on doubles (gradient masking) and mask construction.
	EmitAndPD(a *asm.Assembler, dst, src int)
	EmitOrPD(a *asm.Assembler, dst, src int)
	EmitXorPD(a *asm.Assembler, dst, src int)
	EmitAndNotPD(a *asm.Assembler, dst, src int)
	EmitCreateAllOnes(a *asm.Assembler, dst int)
	EmitShiftLeft(a *asm.Assembler, dst, bits int)
	EmitShiftRight(a *asm.Assembler, dst, bits int)
	EmitRound(a *asm.Assembler, dst, src int, mode int)

	// Prologue/epilogue and ABI plumbing.
	EmitPrologue(a *asm.Assembler)
	EmitEpilogue(a *asm.Assembler)
	EmitSaveCalleeRegisters(a *asm.Assembler)
	EmitRestoreCalleeRegisters(a *asm.Assembler)
	EmitMoveArgsToRegisters(a *asm.Assembler)
	StackSpaceNeeded() int

	// NewAllocator returns a fresh register allocator sized and
	// volatile-ranged for this backend (§4.3's shared allocator
	// template, specialized per §11's xmm/ymm allocator headers).
	NewAllocator() *Allocator
}
