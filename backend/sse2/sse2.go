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

// Package sse2 implements the scalar (vector width 1) backend: every
// emit primitive works on the low 64 bits of one XMM register, one
// node at a time. It is the portable fallback every runtime installs,
// selectable without a CPUID check.
//
// Grounded on the original engine's SSE2ScalarInstructionSet: the same
// emitAdd/emitLoad/emitIf/... surface, minus the asmjit-specific
// instruction tracer (this module's ambient diagnostics go through the
// engine package's logger instead, see SPEC_FULL.md §10).
package sse2

import (
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/backend"
	"github.com/da-roth/forge/ir"
)

// Backend is the SSE2 scalar instruction-set implementation of §4.3.
type Backend struct{}

// New returns the SSE2 scalar backend.
func New() *Backend { return &Backend{} }

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Metadata() backend.Metadata {
	return backend.Metadata{Name: "sse2", VectorWidth: 1, MaxRegisters: 16}
}

// Supports reports true for every opcode: SSE2 is the universal
// fallback and has a scalar sequence for every operation in §4.1.
func (b *Backend) Supports(op ir.OpCode) bool { return true }

// xmmReg maps a logical register index 0..15 to its XMM operand.
var xmmReg = [16]obj.Addr{
	asm.X0, asm.X1, asm.X2, asm.X3, asm.X4, asm.X5, asm.X6, asm.X7,
	asm.X8, asm.X9, asm.X10, asm.X11, asm.X12, asm.X13, asm.X14, asm.X15,
}

func reg(i int) obj.Addr { return xmmReg[i] }

func (b *Backend) NewAllocator() *backend.Allocator {
	// XMM0-5 caller-saved-but-invalidated range: an external libm call
	// clobbers any of these the allocator must treat as dead on return
	// (§5 volatile-register invalidation).
	return backend.NewAllocator(16, 0, 5)
}

func (b *Backend) StackSpaceNeeded() int {
	// 4 callee-saved GP registers (BX, R12, R13, R15 -- R14 is the Go
	// runtime's goroutine pointer and is never spilled) * 8 bytes, plus
	// 10 XMM registers (X6-X15) * 16 bytes, rounded to 16-byte alignment.
	total := 4*8 + 10*16
	return (total + 15) &^ 15
}

// --- Arithmetic ---

func (b *Backend) EmitAdd(a *asm.Assembler, dst, src int) { a.Two("ADDSD", reg(dst), reg(src)) }
func (b *Backend) EmitSub(a *asm.Assembler, dst, src int) { a.Two("SUBSD", reg(dst), reg(src)) }
func (b *Backend) EmitMul(a *asm.Assembler, dst, src int) { a.Two("MULSD", reg(dst), reg(src)) }
func (b *Backend) EmitDiv(a *asm.Assembler, dst, src int) { a.Two("DIVSD", reg(dst), reg(src)) }
func (b *Backend) EmitMin(a *asm.Assembler, dst, src int) { a.Two("MINSD", reg(dst), reg(src)) }
func (b *Backend) EmitMax(a *asm.Assembler, dst, src int) { a.Two("MAXSD", reg(dst), reg(src)) }

func (b *Backend) EmitSquare(a *asm.Assembler, dst int) {
	// x*x is cheaper than a library pow(x,2) call.
	a.Two("MULSD", reg(dst), reg(dst))
}

func (b *Backend) EmitNeg(a *asm.Assembler, dst, tmp int) {
	a.Two("XORPD", reg(tmp), reg(tmp))
	a.Two("SUBSD", reg(tmp), reg(dst))
	a.Two("MOVSD", reg(dst), reg(tmp))
}

func (b *Backend) EmitAbs(a *asm.Assembler, dst, tmp int) {
	// All-ones mask shifted right by one bit clears the sign bit.
	a.Two("PCMPEQL", reg(tmp), reg(tmp))
	a.Emit("PSRLQ", asm.Imm(1), reg(tmp))
	a.Two("ANDPD", reg(dst), reg(tmp))
}

func (b *Backend) EmitSqrt(a *asm.Assembler, dst int) { a.Two("SQRTSD", reg(dst), reg(dst)) }

// EmitRecip computes 1.0/dst in place. It has no spare register to
// work with (the interface hands it none), so the original divisor is
// stashed on the stack and divided against directly: dst := 1.0,
// dst /= [SP].
func (b *Backend) EmitRecip(a *asm.Assembler, dst int) {
	a.Two("MOVQ", asm.AX, reg(dst))
	a.From("PUSHQ", asm.AX)
	b.EmitLoadImmediate(a, dst, 1.0)
	a.Two("DIVSD", reg(dst), asm.Ptr(asm.SP, 0))
	a.Emit("ADDQ", asm.Imm(8), asm.SP)
}

// --- Memory ---

func (b *Backend) EmitLoad(a *asm.Assembler, dst int, node ir.NodeID) {
	a.Two("MOVSD", reg(dst), asm.Ptr(asm.ARG0, int64(node)*8))
}

func (b *Backend) EmitStore(a *asm.Assembler, src int, node ir.NodeID) {
	a.Two("MOVSD", asm.Ptr(asm.ARG0, int64(node)*8), reg(src))
}

func (b *Backend) EmitLoadFromConstantPool(a *asm.Assembler, dst int, offset int) {
	// The constant pool is addressed relative to ARG0's frame the same
	// way a value slot is; the caller has already reserved pool space
	// past the node count (kernel.Buffer lays the pool out contiguously
	// after the value slots, see §4.6).
	a.Two("MOVSD", reg(dst), asm.Ptr(asm.ARG0, int64(offset)*8))
}

func (b *Backend) EmitLoadGradient(a *asm.Assembler, dst int, node ir.NodeID) {
	a.Two("MOVSD", reg(dst), asm.Ptr(asm.ARG1, int64(node)*8))
}

func (b *Backend) EmitStoreGradient(a *asm.Assembler, src int, node ir.NodeID) {
	a.Two("MOVSD", asm.Ptr(asm.ARG1, int64(node)*8), reg(src))
}

func (b *Backend) EmitAccumulateGradient(a *asm.Assembler, src int, node ir.NodeID, tmp int) {
	a.Two("MOVSD", reg(tmp), asm.Ptr(asm.ARG1, int64(node)*8))
	a.Two("ADDSD", reg(tmp), reg(src))
	a.Two("MOVSD", asm.Ptr(asm.ARG1, int64(node)*8), reg(tmp))
}

func (b *Backend) EmitLoadValueForGradient(a *asm.Assembler, dst int, node ir.NodeID, g *ir.Graph) {
	if int(node) < len(g.Nodes) && g.Nodes[node].Op == ir.Constant {
		nodeCount := int(g.HighestNodeID()) + 1
		b.EmitLoadFromConstantPool(a, dst, nodeCount+int(g.Nodes[node].Imm))
		return
	}
	b.EmitLoad(a, dst, node)
}

// --- Register-to-register ---

func (b *Backend) EmitMove(a *asm.Assembler, dst, src int) {
	if dst != src {
		a.Two("MOVSD", reg(dst), reg(src))
	}
}

func (b *Backend) EmitZero(a *asm.Assembler, dst int) { a.Two("XORPD", reg(dst), reg(dst)) }

func (b *Backend) EmitLoadImmediate(a *asm.Assembler, dst int, value float64) {
	b.EmitLoadImmediateRaw(a, dst, math.Float64bits(value))
}

func (b *Backend) EmitLoadImmediateRaw(a *asm.Assembler, dst int, bits uint64) {
	a.Two("MOVQ", asm.AX, asm.Imm(int64(bits)))
	a.Two("MOVQ", reg(dst), asm.AX)
}

// --- Compare/select ---
//
// Forge's compile-time contract (§4.2.4 safety note and §4.3) asks for
// an arithmetic, branch-free blend for If/IntIf so the same sequence
// vectorizes unchanged on AVX2: result = cond*t + (1-cond)*f. Producing
// the 0.0/1.0 predicate itself goes through the standard
// UCOMISD+SETcc+convert idiom rather than a masked CMPSD, since the
// blend no longer needs a bitmask.

func (b *Backend) emitPredicate(a *asm.Assembler, dst, lhs, rhs int, setOp string) {
	a.Two("UCOMISD", reg(rhs), reg(lhs))
	a.To(setOp, asm.AX)
	a.Two("MOVBLZX", asm.CX, asm.AX)
	a.Two("CVTSL2SD", reg(dst), asm.CX)
}

func (b *Backend) EmitCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETCS")
}
func (b *Backend) EmitCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETLS")
}
func (b *Backend) EmitCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETHI")
}
func (b *Backend) EmitCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETCC")
}
func (b *Backend) EmitCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETEQ")
}
func (b *Backend) EmitCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "SETNE")
}

func (b *Backend) emitBlend(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	one := alloc.AllocateAvoiding([]int{dst, cond, t, f})
	b.EmitLoadImmediate(a, one, 1.0)
	inv := alloc.AllocateAvoiding([]int{dst, cond, t, f, one})
	a.Two("MOVSD", reg(inv), reg(one))
	a.Two("SUBSD", reg(inv), reg(cond)) // inv = 1 - cond

	lhs := alloc.AllocateAvoiding([]int{dst, cond, t, f, one, inv})
	a.Two("MOVSD", reg(lhs), reg(cond))
	a.Two("MULSD", reg(lhs), reg(t)) // lhs = cond*t
	a.Two("MULSD", reg(inv), reg(f)) // inv = (1-cond)*f
	a.Two("MOVSD", reg(dst), reg(lhs))
	a.Two("ADDSD", reg(dst), reg(inv))
}

func (b *Backend) EmitIf(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	b.emitBlend(a, dst, cond, t, f, alloc)
}

func (b *Backend) emitIntPredicate(a *asm.Assembler, dst, lhs, rhs int, setOp string, alloc *backend.Allocator) {
	tl := alloc.AllocateAvoiding([]int{dst, lhs, rhs})
	tr := alloc.AllocateAvoiding([]int{dst, lhs, rhs, tl})
	a.Emit("ROUNDSD", asm.Imm(3), reg(lhs), reg(tl))
	a.Emit("ROUNDSD", asm.Imm(3), reg(rhs), reg(tr))
	b.emitPredicate(a, dst, tl, tr, setOp)
}

func (b *Backend) EmitIntCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETCS", alloc)
}
func (b *Backend) EmitIntCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETLS", alloc)
}
func (b *Backend) EmitIntCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETHI", alloc)
}
func (b *Backend) EmitIntCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETCC", alloc)
}
func (b *Backend) EmitIntCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETEQ", alloc)
}
func (b *Backend) EmitIntCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "SETNE", alloc)
}

func (b *Backend) EmitIntIf(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	b.emitBlend(a, dst, cond, t, f, alloc)
	a.Emit("ROUNDSD", asm.Imm(3), reg(dst), reg(dst))
}

// --- Transcendentals ---
//
// No vector math library is in this module's dependency set, so each
// transcendental goes out to Go's own math package via libmAddrs
// rather than a libm call: DI/SI (the kernel's value/gradient buffer
// pointers) are caller-saved across it since nothing in Go's ABI
// promises to preserve them.

func (b *Backend) emitCall(a *asm.Assembler, name string) {
	a.Two("MOVQ", asm.AX, asm.Imm(int64(libmAddrs[name])))
	a.To("CALL", asm.AX)
}

func (b *Backend) emitLibm1(a *asm.Assembler, dst, src int, alloc *backend.Allocator, fn string) {
	a.Two("MOVSD", asm.X0, reg(src))
	a.From("PUSHQ", asm.DI)
	a.From("PUSHQ", asm.SI)
	b.emitCall(a, fn)
	alloc.InvalidateVolatile()
	a.To("POPQ", asm.SI)
	a.To("POPQ", asm.DI)
	a.Two("MOVSD", reg(dst), asm.X0)
}

func (b *Backend) EmitExp(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	b.emitLibm1(a, dst, src, alloc, "exp")
}
func (b *Backend) EmitLog(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	b.emitLibm1(a, dst, src, alloc, "log")
}
func (b *Backend) EmitSin(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	b.emitLibm1(a, dst, src, alloc, "sin")
}
func (b *Backend) EmitCos(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	b.emitLibm1(a, dst, src, alloc, "cos")
}
func (b *Backend) EmitTan(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	b.emitLibm1(a, dst, src, alloc, "tan")
}

func (b *Backend) EmitPow(a *asm.Assembler, dst, base, exp int, alloc *backend.Allocator) {
	if exp == 0 && base == 1 {
		a.Two("MOVSD", asm.X2, asm.X0)
		a.Two("MOVSD", asm.X0, asm.X1)
		a.Two("MOVSD", asm.X1, asm.X2)
	} else if exp == 0 {
		a.Two("MOVSD", asm.X1, asm.X0)
		a.Two("MOVSD", asm.X0, reg(base))
	} else if base == 1 {
		a.Two("MOVSD", asm.X0, asm.X1)
		a.Two("MOVSD", asm.X1, reg(exp))
	} else {
		a.Two("MOVSD", asm.X0, reg(base))
		a.Two("MOVSD", asm.X1, reg(exp))
	}
	a.From("PUSHQ", asm.DI)
	a.From("PUSHQ", asm.SI)
	b.emitCall(a, "pow")
	alloc.InvalidateVolatile()
	a.To("POPQ", asm.SI)
	a.To("POPQ", asm.DI)
	a.Two("MOVSD", reg(dst), asm.X0)
}

func (b *Backend) EmitMod(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	tmp := alloc.AllocateAvoiding([]int{dst, src})
	a.Two("MOVSD", reg(tmp), reg(dst))
	a.Two("DIVSD", reg(tmp), reg(src))
	a.Emit("ROUNDSD", asm.Imm(0x0B), reg(tmp), reg(tmp)) // truncate toward zero
	a.Two("MULSD", reg(tmp), reg(src))
	a.Two("SUBSD", reg(dst), reg(tmp))
}

// --- Bitwise / masks ---

func (b *Backend) EmitAndPD(a *asm.Assembler, dst, src int)    { a.Two("ANDPD", reg(dst), reg(src)) }
func (b *Backend) EmitOrPD(a *asm.Assembler, dst, src int)     { a.Two("ORPD", reg(dst), reg(src)) }
func (b *Backend) EmitXorPD(a *asm.Assembler, dst, src int)    { a.Two("XORPD", reg(dst), reg(src)) }
func (b *Backend) EmitAndNotPD(a *asm.Assembler, dst, src int) { a.Two("ANDNPD", reg(dst), reg(src)) }

func (b *Backend) EmitCreateAllOnes(a *asm.Assembler, dst int) {
	a.Two("PCMPEQL", reg(dst), reg(dst))
}
func (b *Backend) EmitShiftLeft(a *asm.Assembler, dst, bits int) {
	a.Emit("PSLLQ", asm.Imm(int64(bits)), reg(dst))
}
func (b *Backend) EmitShiftRight(a *asm.Assembler, dst, bits int) {
	a.Emit("PSRLQ", asm.Imm(int64(bits)), reg(dst))
}
func (b *Backend) EmitRound(a *asm.Assembler, dst, src int, mode int) {
	a.Emit("ROUNDSD", asm.Imm(int64(mode)), reg(src), reg(dst))
}

// --- Prologue/epilogue/ABI ---

func (b *Backend) EmitPrologue(a *asm.Assembler) {
	a.From("PUSHQ", asm.BP)
	a.Two("MOVQ", asm.BP, asm.SP)
	a.Emit("SUBQ", asm.Imm(int64(b.StackSpaceNeeded())), asm.SP)
	b.EmitSaveCalleeRegisters(a)
	b.EmitMoveArgsToRegisters(a)
}

func (b *Backend) EmitEpilogue(a *asm.Assembler) {
	b.EmitRestoreCalleeRegisters(a)
	a.Emit("ADDQ", asm.Imm(int64(b.StackSpaceNeeded())), asm.SP)
	a.To("POPQ", asm.BP)
	a.Ret()
}

func (b *Backend) EmitSaveCalleeRegisters(a *asm.Assembler) {
	a.Two("MOVQ", asm.Ptr(asm.SP, 0), asm.BX)
	a.Two("MOVQ", asm.Ptr(asm.SP, 8), asm.R12)
	a.Two("MOVQ", asm.Ptr(asm.SP, 16), asm.R13)
	a.Two("MOVQ", asm.Ptr(asm.SP, 24), asm.R15)
	for i := 6; i < 16; i++ {
		a.Two("MOVUPS", asm.Ptr(asm.SP, int64(32+(i-6)*16)), reg(i))
	}
}

func (b *Backend) EmitRestoreCalleeRegisters(a *asm.Assembler) {
	for i := 6; i < 16; i++ {
		a.Two("MOVUPS", reg(i), asm.Ptr(asm.SP, int64(32+(i-6)*16)))
	}
	a.Two("MOVQ", asm.R15, asm.Ptr(asm.SP, 24))
	a.Two("MOVQ", asm.R13, asm.Ptr(asm.SP, 16))
	a.Two("MOVQ", asm.R12, asm.Ptr(asm.SP, 8))
	a.Two("MOVQ", asm.BX, asm.Ptr(asm.SP, 0))
}

// EmitMoveArgsToRegisters is a no-op under the System V ABI: the
// kernel's three pointer/count arguments already land in DI/SI/DX.
func (b *Backend) EmitMoveArgsToRegisters(a *asm.Assembler) {}
