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

// Package avx2 implements the 4-wide packed-double backend: every emit
// primitive works across the full 256 bits of a YMM register, four
// nodes at a time. Selected by its registry name "avx2" (through
// engine.Config.InstructionSet or FORGE_INSTRUCTION_SET); no CPUID check
// is made, and backend/sse2 is the default when neither names a backend.
//
// Grounded on the original engine's AVX2InstructionSet: the same
// emitAdd/emitLoad/emitIf/... surface as backend/sse2, re-expressed
// with VEX three-operand packed-double mnemonics (VADDPD, VMULPD, ...)
// and YMM-sized (32-byte) loads/stores/spills in place of SSE2's
// scalar/16-byte ones.
package avx2

import (
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/backend"
	"github.com/da-roth/forge/ir"
)

// Backend is the AVX2 packed-double instruction-set implementation of
// §4.3.
type Backend struct{}

// New returns the AVX2 backend.
func New() *Backend { return &Backend{} }

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Metadata() backend.Metadata {
	return backend.Metadata{Name: "avx2", VectorWidth: 4, MaxRegisters: 16}
}

// Supports reports true for every opcode: the VEX-encoded sequences
// below cover every operation in §4.1 at 4-wide.
func (b *Backend) Supports(op ir.OpCode) bool { return true }

// ymmReg maps a logical register index 0..15 to its YMM operand.
var ymmReg = [16]obj.Addr{
	asm.Y0, asm.Y1, asm.Y2, asm.Y3, asm.Y4, asm.Y5, asm.Y6, asm.Y7,
	asm.Y8, asm.Y9, asm.Y10, asm.Y11, asm.Y12, asm.Y13, asm.Y14, asm.Y15,
}

func reg(i int) obj.Addr { return ymmReg[i] }

func (b *Backend) NewAllocator() *backend.Allocator {
	// The full register file is caller-saved-but-invalidated on Linux
	// (volatile range 0-15, not just the low half the Windows ABI
	// reserves); YMM14/15 are permanently blacklisted, matching the
	// original allocator's "corruption issues" note. No sequence in this
	// backend uses them as scratch; spills go through the stack.
	alloc := backend.NewAllocator(16, 0, 15)
	alloc.Blacklist(14)
	alloc.Blacklist(15)
	return alloc
}

func (b *Backend) StackSpaceNeeded() int {
	// 4 callee-saved GP registers (BX, R12, R13, R15 -- R14 is the Go
	// runtime's goroutine pointer and is never spilled) * 8 bytes, plus
	// 14 YMM registers (Y2-Y15) * 32
	// bytes, rounded to 16-byte alignment.
	total := 4*8 + 14*32
	return (total + 15) &^ 15
}

// --- Arithmetic ---

func (b *Backend) EmitAdd(a *asm.Assembler, dst, src int) {
	a.Three("VADDPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitSub(a *asm.Assembler, dst, src int) {
	a.Three("VSUBPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitMul(a *asm.Assembler, dst, src int) {
	a.Three("VMULPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitDiv(a *asm.Assembler, dst, src int) {
	a.Three("VDIVPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitMin(a *asm.Assembler, dst, src int) {
	a.Three("VMINPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitMax(a *asm.Assembler, dst, src int) {
	a.Three("VMAXPD", reg(dst), reg(dst), reg(src))
}

func (b *Backend) EmitSquare(a *asm.Assembler, dst int) {
	a.Three("VMULPD", reg(dst), reg(dst), reg(dst))
}

func (b *Backend) EmitNeg(a *asm.Assembler, dst, tmp int) {
	a.Three("VXORPD", reg(tmp), reg(tmp), reg(tmp))
	a.Three("VSUBPD", reg(dst), reg(tmp), reg(dst))
}

func (b *Backend) EmitAbs(a *asm.Assembler, dst, tmp int) {
	// All-ones mask shifted right by one bit clears the sign bit in all
	// four lanes.
	a.Three("VPCMPEQQ", reg(tmp), reg(tmp), reg(tmp))
	a.Two("VPSRLQ", reg(tmp), asm.Imm(1))
	a.Three("VANDPD", reg(dst), reg(dst), reg(tmp))
}

func (b *Backend) EmitSqrt(a *asm.Assembler, dst int) {
	a.Two("VSQRTPD", reg(dst), reg(dst))
}

// EmitRecip computes 1.0/dst in place, 4-wide. The interface hands it
// no spare register, so the original divisor is stashed on the stack
// (32 bytes, one YMM's worth) and divided against directly.
func (b *Backend) EmitRecip(a *asm.Assembler, dst int) {
	a.Emit("SUBQ", asm.Imm(32), asm.SP)
	a.Two("VMOVUPD", asm.Ptr(asm.SP, 0), reg(dst))
	b.EmitLoadImmediate(a, dst, 1.0)
	a.Three("VDIVPD", reg(dst), reg(dst), asm.Ptr(asm.SP, 0))
	a.Emit("ADDQ", asm.Imm(32), asm.SP)
}

// --- Memory ---
//
// Loads/stores address node slots 4-wide: node is the base index of a
// contiguous run of 4 lanes (the engine lays values out in SIMD-group
// order for the AVX2 path, see SPEC_FULL.md §4.6).

// vectorWidth is the number of packed lanes (kernel.Buffer groups W
// consecutive float64 slots per node, see §4.6), so every node/offset
// index below must be scaled by it before the *8 byte conversion.
const vectorWidth = 4

func (b *Backend) EmitLoad(a *asm.Assembler, dst int, node ir.NodeID) {
	a.Two("VMOVUPD", reg(dst), asm.Ptr(asm.ARG0, int64(node)*vectorWidth*8))
}

func (b *Backend) EmitStore(a *asm.Assembler, src int, node ir.NodeID) {
	a.Two("VMOVUPD", asm.Ptr(asm.ARG0, int64(node)*vectorWidth*8), reg(src))
}

func (b *Backend) EmitLoadFromConstantPool(a *asm.Assembler, dst int, offset int) {
	a.Two("VMOVUPD", reg(dst), asm.Ptr(asm.ARG0, int64(offset)*vectorWidth*8))
}

func (b *Backend) EmitLoadGradient(a *asm.Assembler, dst int, node ir.NodeID) {
	a.Two("VMOVUPD", reg(dst), asm.Ptr(asm.ARG1, int64(node)*vectorWidth*8))
}

func (b *Backend) EmitStoreGradient(a *asm.Assembler, src int, node ir.NodeID) {
	a.Two("VMOVUPD", asm.Ptr(asm.ARG1, int64(node)*vectorWidth*8), reg(src))
}

func (b *Backend) EmitAccumulateGradient(a *asm.Assembler, src int, node ir.NodeID, tmp int) {
	a.Two("VMOVUPD", reg(tmp), asm.Ptr(asm.ARG1, int64(node)*vectorWidth*8))
	a.Three("VADDPD", reg(tmp), reg(tmp), reg(src))
	a.Two("VMOVUPD", asm.Ptr(asm.ARG1, int64(node)*vectorWidth*8), reg(tmp))
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
		a.Two("VMOVUPD", reg(dst), reg(src))
	}
}

func (b *Backend) EmitZero(a *asm.Assembler, dst int) {
	a.Three("VXORPD", reg(dst), reg(dst), reg(dst))
}

// EmitLoadImmediate broadcasts value into all four lanes.
func (b *Backend) EmitLoadImmediate(a *asm.Assembler, dst int, value float64) {
	b.EmitLoadImmediateRaw(a, dst, math.Float64bits(value))
}

func (b *Backend) EmitLoadImmediateRaw(a *asm.Assembler, dst int, bits uint64) {
	a.Two("MOVQ", asm.AX, asm.Imm(int64(bits)))
	a.Emit("SUBQ", asm.Imm(8), asm.SP)
	a.Two("MOVQ", asm.Ptr(asm.SP, 0), asm.AX)
	a.Two("VBROADCASTSD", reg(dst), asm.Ptr(asm.SP, 0))
	a.Emit("ADDQ", asm.Imm(8), asm.SP)
}

// --- Compare/select ---
//
// As in backend/sse2, If/IntIf blend arithmetically (cond*t +
// (1-cond)*f) rather than via the original engine's bitmask-and-blend,
// so the same formula vectorizes unchanged across both backends (§4.2.4
// safety note, §4.3).

// emitPredicate uses the fixed-predicate VCMPPD aliases (VCMPLTPD,
// VCMPLEPD, ...) rather than the general VCMPPD-plus-immediate form:
// the shared Assembler's three-operand emit path has no room left for
// a fourth, predicate-select operand once dst/src1/src2 are spoken for.
// Each alias produces an all-ones (true) or all-zero (false) mask per
// lane; ANDing against a broadcast 1.0 turns that into the 0.0/1.0
// Forge predicate convention.
func (b *Backend) emitPredicate(a *asm.Assembler, dst, lhs, rhs int, cmpOp string, alloc *backend.Allocator) {
	a.Three(cmpOp, reg(dst), reg(lhs), reg(rhs))
	one := alloc.AllocateAvoiding([]int{dst, lhs, rhs})
	b.EmitLoadImmediate(a, one, 1.0)
	a.Three("VANDPD", reg(dst), reg(dst), reg(one))
}

func (b *Backend) EmitCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "VCMPLTPD", alloc)
}
func (b *Backend) EmitCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "VCMPLEPD", alloc)
}
func (b *Backend) EmitCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, rhs, lhs, "VCMPLTPD", alloc)
}
func (b *Backend) EmitCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, rhs, lhs, "VCMPLEPD", alloc)
}
func (b *Backend) EmitCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "VCMPEQPD", alloc)
}
func (b *Backend) EmitCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitPredicate(a, dst, lhs, rhs, "VCMPNEQPD", alloc)
}

func (b *Backend) emitBlend(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	one := alloc.AllocateAvoiding([]int{dst, cond, t, f})
	b.EmitLoadImmediate(a, one, 1.0)
	inv := alloc.AllocateAvoiding([]int{dst, cond, t, f, one})
	a.Three("VSUBPD", reg(inv), reg(one), reg(cond)) // inv = 1 - cond

	lhs := alloc.AllocateAvoiding([]int{dst, cond, t, f, one, inv})
	a.Three("VMULPD", reg(lhs), reg(cond), reg(t)) // lhs = cond*t
	a.Three("VMULPD", reg(inv), reg(inv), reg(f))  // inv = (1-cond)*f
	a.Three("VADDPD", reg(dst), reg(lhs), reg(inv))
}

func (b *Backend) EmitIf(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	b.emitBlend(a, dst, cond, t, f, alloc)
}

func (b *Backend) emitIntPredicate(a *asm.Assembler, dst, lhs, rhs int, cmpOp string, alloc *backend.Allocator) {
	tl := alloc.AllocateAvoiding([]int{dst, lhs, rhs})
	tr := alloc.AllocateAvoiding([]int{dst, lhs, rhs, tl})
	a.Emit("VROUNDPD", asm.Imm(3), reg(lhs), reg(tl))
	a.Emit("VROUNDPD", asm.Imm(3), reg(rhs), reg(tr))
	b.emitPredicate(a, dst, tl, tr, cmpOp, alloc)
}

func (b *Backend) EmitIntCmpLT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "VCMPLTPD", alloc)
}
func (b *Backend) EmitIntCmpLE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "VCMPLEPD", alloc)
}
func (b *Backend) EmitIntCmpGT(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, rhs, lhs, "VCMPLTPD", alloc)
}
func (b *Backend) EmitIntCmpGE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, rhs, lhs, "VCMPLEPD", alloc)
}
func (b *Backend) EmitIntCmpEQ(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "VCMPEQPD", alloc)
}
func (b *Backend) EmitIntCmpNE(a *asm.Assembler, dst, lhs, rhs int, alloc *backend.Allocator) {
	b.emitIntPredicate(a, dst, lhs, rhs, "VCMPNEQPD", alloc)
}

func (b *Backend) EmitIntIf(a *asm.Assembler, dst, cond, t, f int, alloc *backend.Allocator) {
	b.emitBlend(a, dst, cond, t, f, alloc)
	a.Emit("VROUNDPD", asm.Imm(3), reg(dst), reg(dst))
}

// --- Transcendentals ---
//
// No 4-wide vector math library is in this module's dependency set, so
// each transcendental is computed lane-by-lane through Go's own math
// package: the 4 doubles are spilled to the stack, called through
// scalar-wise via this package's libmAddrs (built the same way as
// backend/sse2's), and reloaded.
// This gives up SIMD throughput for exactly the operations neither
// golang-asm nor the standard library exposes a packed form of.

func (b *Backend) emitCall(a *asm.Assembler, name string) {
	a.Two("MOVQ", asm.AX, asm.Imm(int64(libmAddrs[name])))
	a.To("CALL", asm.AX)
}

func (b *Backend) emitLibm1(a *asm.Assembler, dst, src int, alloc *backend.Allocator, fn string) {
	a.Emit("SUBQ", asm.Imm(32), asm.SP)
	a.Two("VMOVUPD", asm.Ptr(asm.SP, 0), reg(src))
	a.From("PUSHQ", asm.DI)
	a.From("PUSHQ", asm.SI)
	for lane := 0; lane < 4; lane++ {
		a.Two("MOVSD", asm.X0, asm.Ptr(asm.SP, int64(16+lane*8)))
		b.emitCall(a, fn)
		a.Two("MOVSD", asm.Ptr(asm.SP, int64(16+lane*8)), asm.X0)
	}
	alloc.InvalidateVolatile()
	a.To("POPQ", asm.SI)
	a.To("POPQ", asm.DI)
	a.Two("VMOVUPD", reg(dst), asm.Ptr(asm.SP, 0))
	a.Emit("ADDQ", asm.Imm(32), asm.SP)
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
	a.Emit("SUBQ", asm.Imm(64), asm.SP)
	a.Two("VMOVUPD", asm.Ptr(asm.SP, 0), reg(base))
	a.Two("VMOVUPD", asm.Ptr(asm.SP, 32), reg(exp))
	a.From("PUSHQ", asm.DI)
	a.From("PUSHQ", asm.SI)
	for lane := 0; lane < 4; lane++ {
		a.Two("MOVSD", asm.X0, asm.Ptr(asm.SP, int64(16+lane*8)))
		a.Two("MOVSD", asm.X1, asm.Ptr(asm.SP, int64(48+lane*8)))
		b.emitCall(a, "pow")
		alloc.InvalidateVolatile()
		a.Two("MOVSD", asm.Ptr(asm.SP, int64(16+lane*8)), asm.X0)
	}
	a.To("POPQ", asm.SI)
	a.To("POPQ", asm.DI)
	a.Two("VMOVUPD", reg(dst), asm.Ptr(asm.SP, 0))
	a.Emit("ADDQ", asm.Imm(64), asm.SP)
}

func (b *Backend) EmitMod(a *asm.Assembler, dst, src int, alloc *backend.Allocator) {
	tmp := alloc.AllocateAvoiding([]int{dst, src})
	a.Three("VDIVPD", reg(tmp), reg(dst), reg(src))
	a.Emit("VROUNDPD", asm.Imm(0x0B), reg(tmp), reg(tmp)) // truncate toward zero
	a.Three("VMULPD", reg(tmp), reg(tmp), reg(src))
	a.Three("VSUBPD", reg(dst), reg(dst), reg(tmp))
}

// --- Bitwise / masks ---

func (b *Backend) EmitAndPD(a *asm.Assembler, dst, src int) {
	a.Three("VANDPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitOrPD(a *asm.Assembler, dst, src int) {
	a.Three("VORPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitXorPD(a *asm.Assembler, dst, src int) {
	a.Three("VXORPD", reg(dst), reg(dst), reg(src))
}
func (b *Backend) EmitAndNotPD(a *asm.Assembler, dst, src int) {
	// VEX form computes ~src1 & src2; src1=dst reproduces the non-VEX
	// ANDNPD dst,src semantics of (NOT dst) AND src.
	a.Three("VANDNPD", reg(dst), reg(dst), reg(src))
}

func (b *Backend) EmitCreateAllOnes(a *asm.Assembler, dst int) {
	a.Three("VPCMPEQQ", reg(dst), reg(dst), reg(dst))
}
func (b *Backend) EmitShiftLeft(a *asm.Assembler, dst, bits int) {
	a.Two("VPSLLQ", reg(dst), asm.Imm(int64(bits)))
}
func (b *Backend) EmitShiftRight(a *asm.Assembler, dst, bits int) {
	a.Two("VPSRLQ", reg(dst), asm.Imm(int64(bits)))
}
func (b *Backend) EmitRound(a *asm.Assembler, dst, src int, mode int) {
	a.Emit("VROUNDPD", asm.Imm(int64(mode)), reg(src), reg(dst))
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
	a.Emit("VZEROUPPER")
	a.Ret()
}

func (b *Backend) EmitSaveCalleeRegisters(a *asm.Assembler) {
	a.Two("MOVQ", asm.Ptr(asm.SP, 0), asm.BX)
	a.Two("MOVQ", asm.Ptr(asm.SP, 8), asm.R12)
	a.Two("MOVQ", asm.Ptr(asm.SP, 16), asm.R13)
	a.Two("MOVQ", asm.Ptr(asm.SP, 24), asm.R15)
	for i := 2; i < 16; i++ {
		a.Two("VMOVUPD", asm.Ptr(asm.SP, int64(32+(i-2)*32)), reg(i))
	}
}

func (b *Backend) EmitRestoreCalleeRegisters(a *asm.Assembler) {
	for i := 2; i < 16; i++ {
		a.Two("VMOVUPD", reg(i), asm.Ptr(asm.SP, int64(32+(i-2)*32)))
	}
	a.Two("MOVQ", asm.R15, asm.Ptr(asm.SP, 24))
	a.Two("MOVQ", asm.R13, asm.Ptr(asm.SP, 16))
	a.Two("MOVQ", asm.R12, asm.Ptr(asm.SP, 8))
	a.Two("MOVQ", asm.BX, asm.Ptr(asm.SP, 0))
}

// EmitMoveArgsToRegisters is a no-op under the System V ABI: the
// kernel's three pointer/count arguments already land in DI/SI/DX.
func (b *Backend) EmitMoveArgsToRegisters(a *asm.Assembler) {}
