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

package emitter

import (
	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/backend"
	"github.com/da-roth/forge/ir"
)

// Forward walks g in increasing node-ID order (§4.4.1) and emits the
// value computation for every live node into a. policy may be nil, in
// which case DefaultPolicy governs every decision.
func Forward(a *asm.Assembler, be backend.Backend, g *ir.Graph, alloc *backend.Allocator, policy Policy) error {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	s := &state{a: a, be: be, g: g, alloc: alloc, policy: policy}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		id := ir.NodeID(i)
		if node.Flags.IsDead {
			continue
		}
		switch node.Op {
		case ir.Input, ir.Constant:
			// Already resident in memory (the caller's value slot, or
			// the constant pool); resolveOperand sources it directly
			// from there on first use. Nothing to compute or store.
			continue
		}
		if err := s.forwardNode(id, node); err != nil {
			return err
		}
	}
	return nil
}

func (s *state) forwardNode(id ir.NodeID, node *ir.Node) error {
	arity := node.Op.Arity()
	var operands []ir.NodeID
	switch arity {
	case 1:
		operands = []ir.NodeID{node.A}
	case 2:
		operands = []ir.NodeID{node.A, node.B}
	case 3:
		operands = []ir.NodeID{node.A, node.B, node.C}
	default:
		return &UnsupportedOpError{Node: id, Op: node.Op}
	}

	regs, err := s.resolveOperands(operands...)
	if err != nil {
		return err
	}
	dst, err := s.allocateDst(id, regs)
	if err != nil {
		return err
	}

	if err := s.emitForwardOp(node.Op, id, dst, regs); err != nil {
		return err
	}

	s.finishNode(id, dst)
	return nil
}

// emitForwardOp drives the backend's one primitive (or short sequence
// of primitives) for op. Every case reuses dst == regs[0] per
// allocateDst's contract above.
func (s *state) emitForwardOp(op ir.OpCode, id ir.NodeID, dst int, regs []int) error {
	a, be, alloc := s.a, s.be, s.alloc

	switch op {
	// --- Unary double arithmetic ---
	case ir.Neg:
		tmp, err := s.scratch(regs)
		if err != nil {
			return err
		}
		be.EmitNeg(a, dst, tmp)
	case ir.Abs:
		tmp, err := s.scratch(regs)
		if err != nil {
			return err
		}
		be.EmitAbs(a, dst, tmp)
	case ir.Square:
		be.EmitSquare(a, dst)
	case ir.Recip:
		be.EmitRecip(a, dst)
	case ir.Sqrt:
		be.EmitSqrt(a, dst)

	// --- Transcendental ---
	case ir.Exp:
		be.EmitExp(a, dst, regs[0], alloc)
	case ir.Log:
		be.EmitLog(a, dst, regs[0], alloc)
	case ir.Sin:
		be.EmitSin(a, dst, regs[0], alloc)
	case ir.Cos:
		be.EmitCos(a, dst, regs[0], alloc)
	case ir.Tan:
		be.EmitTan(a, dst, regs[0], alloc)
	case ir.Pow:
		be.EmitPow(a, dst, regs[0], regs[1], alloc)

	// --- Binary double arithmetic ---
	case ir.Add:
		be.EmitAdd(a, dst, regs[1])
	case ir.Sub:
		be.EmitSub(a, dst, regs[1])
	case ir.Mul:
		be.EmitMul(a, dst, regs[1])
	case ir.Div:
		be.EmitDiv(a, dst, regs[1])
	case ir.Min:
		be.EmitMin(a, dst, regs[1])
	case ir.Max:
		be.EmitMax(a, dst, regs[1])
	case ir.Mod:
		be.EmitMod(a, dst, regs[1], alloc)

	// --- Comparisons (double) ---
	case ir.Lt:
		be.EmitCmpLT(a, dst, regs[0], regs[1], alloc)
	case ir.Le:
		be.EmitCmpLE(a, dst, regs[0], regs[1], alloc)
	case ir.Gt:
		be.EmitCmpGT(a, dst, regs[0], regs[1], alloc)
	case ir.Ge:
		be.EmitCmpGE(a, dst, regs[0], regs[1], alloc)
	case ir.Eq:
		be.EmitCmpEQ(a, dst, regs[0], regs[1], alloc)
	case ir.Ne:
		be.EmitCmpNE(a, dst, regs[0], regs[1], alloc)

	// --- Select ---
	case ir.If:
		be.EmitIf(a, dst, regs[0], regs[1], regs[2], alloc)
	case ir.IntIf:
		be.EmitIntIf(a, dst, regs[0], regs[1], regs[2], alloc)

	// --- Integer variants (truncated-integer semantics) ---
	case ir.IntAdd:
		s.emitIntTruncate(regs[0])
		s.emitIntTruncate(regs[1])
		be.EmitAdd(a, dst, regs[1])
	case ir.IntSub:
		s.emitIntTruncate(regs[0])
		s.emitIntTruncate(regs[1])
		be.EmitSub(a, dst, regs[1])
	case ir.IntMul:
		s.emitIntTruncate(regs[0])
		s.emitIntTruncate(regs[1])
		be.EmitMul(a, dst, regs[1])
	case ir.IntDiv:
		s.emitIntTruncate(regs[0])
		s.emitIntTruncate(regs[1])
		be.EmitDiv(a, dst, regs[1])
		s.emitIntTruncate(dst)
	case ir.IntLt:
		be.EmitIntCmpLT(a, dst, regs[0], regs[1], alloc)
	case ir.IntLe:
		be.EmitIntCmpLE(a, dst, regs[0], regs[1], alloc)
	case ir.IntGt:
		be.EmitIntCmpGT(a, dst, regs[0], regs[1], alloc)
	case ir.IntGe:
		be.EmitIntCmpGE(a, dst, regs[0], regs[1], alloc)
	case ir.IntEq:
		be.EmitIntCmpEQ(a, dst, regs[0], regs[1], alloc)
	case ir.IntNe:
		be.EmitIntCmpNE(a, dst, regs[0], regs[1], alloc)

	// --- Boolean logic (0/1-valued doubles) ---
	//
	// No dedicated Emit primitive exists for these: they are synthesized
	// from the arithmetic ones already proven correct on the {0.0, 1.0}
	// domain the six comparison ops produce.
	case ir.And:
		be.EmitMul(a, dst, regs[1]) // 1*1=1, else 0
	case ir.Or:
		be.EmitMax(a, dst, regs[1]) // max(0/1, 0/1) == logical or
	case ir.Not:
		one, err := s.scratch(regs)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, one, 1.0)
		be.EmitSub(a, one, dst) // one = 1 - dst
		be.EmitMove(a, dst, one)

	default:
		return &UnsupportedOpError{Node: id, Op: op}
	}
	return nil
}

// emitIntTruncate rounds reg toward zero in place, giving it
// truncated-integer semantics (ROUNDSD/VROUNDPD immediate 3, the same
// mode backend/sse2 and backend/avx2 already use for IntCmp's operand
// normalization).
func (s *state) emitIntTruncate(reg int) {
	s.be.EmitRound(s.a, reg, reg, 3)
}

// scratch allocates a register distinct from every register in use,
// for ops (Neg, Abs, Not) whose backend primitive needs a temporary
// beyond its single in-place operand.
func (s *state) scratch(avoid []int) (int, error) {
	reg := s.alloc.AllocateAvoiding(avoid)
	if reg < 0 {
		return 0, &RegisterExhaustedError{}
	}
	return reg, nil
}
