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

// Reverse implements §4.4.2: if at least one output carries
// NeedsGradient, initializes its gradient slot to 1.0, then walks the
// graph in decreasing node-ID order applying the chain rule for every
// live, gradient-needing node. It assumes the forward pass has already
// materialized every node's value in its value slot.
//
// Reverse clears alloc before use: the forward pass's register
// residency is irrelevant here since every value it needs is reloaded
// from its slot on demand.
func Reverse(a *asm.Assembler, be backend.Backend, g *ir.Graph, alloc *backend.Allocator, policy Policy) error {
	needed := false
	for _, out := range g.Outputs {
		if g.Nodes[out].Flags.NeedsGradient {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	if policy == nil {
		policy = DefaultPolicy{}
	}
	alloc.Clear()
	s := &state{a: a, be: be, g: g, alloc: alloc, policy: policy}

	for _, out := range g.Outputs {
		if !g.Nodes[out].Flags.NeedsGradient {
			continue
		}
		reg := alloc.AllocateAvoiding(nil)
		if reg < 0 {
			return &RegisterExhaustedError{Node: out}
		}
		be.EmitLoadImmediate(a, reg, 1.0)
		be.EmitStoreGradient(a, reg, out)
	}

	for i := len(g.Nodes) - 1; i >= 0; i-- {
		node := &g.Nodes[i]
		id := ir.NodeID(i)
		if node.Flags.IsDead || !node.Flags.NeedsGradient {
			continue
		}
		switch node.Op {
		case ir.Input, ir.Constant:
			continue
		}
		if err := s.reverseNode(id, node); err != nil {
			return err
		}
	}
	return nil
}

// loadGrad loads node's gradient slot into a fresh register, avoiding
// every register in live.
func (s *state) loadGrad(node ir.NodeID, live []int) (int, error) {
	reg := s.alloc.AllocateAvoiding(live)
	if reg < 0 {
		return 0, &RegisterExhaustedError{Node: node}
	}
	s.be.EmitLoadGradient(s.a, reg, node)
	return reg, nil
}

// loadVal loads node's value (constant pool or value slot, as
// appropriate) into a fresh register, avoiding every register in live.
func (s *state) loadVal(node ir.NodeID, live []int) (int, error) {
	reg := s.alloc.AllocateAvoiding(live)
	if reg < 0 {
		return 0, &RegisterExhaustedError{Node: node}
	}
	s.be.EmitLoadValueForGradient(s.a, reg, node, s.g)
	return reg, nil
}

// reverseScratch allocates a fresh register avoiding every register in live.
func (s *state) reverseScratch(live []int, owner ir.NodeID) (int, error) {
	reg := s.alloc.AllocateAvoiding(live)
	if reg < 0 {
		return 0, &RegisterExhaustedError{Node: owner}
	}
	return reg, nil
}

// accumulate performs operand's read-add-write gradient accumulation
// with contrib, using a scratch register distinct from every register
// in live.
func (s *state) accumulate(contrib int, operand ir.NodeID, live []int) error {
	tmp := s.alloc.AllocateAvoiding(append(append([]int{}, live...), contrib))
	if tmp < 0 {
		return &RegisterExhaustedError{Node: operand}
	}
	s.be.EmitAccumulateGradient(s.a, contrib, operand, tmp)
	return nil
}

// afterCall marks every volatile register invalid following a call
// into a scalar transcendental routine (§4.4.2's Pow note: "transcendental
// calls may clobber volatile registers; operands must be reloaded after
// each call"). Every register still needed past this point must be
// reloaded with loadGrad/loadVal rather than reused from before the call
// — except the call's own dst, which every backend preserves across it.
func (s *state) afterCall() {
	s.alloc.InvalidateVolatile()
}

// reverseNode emits node id's chain-rule contribution into its
// operands' gradient slots, per the §4.4.2 table.
func (s *state) reverseNode(id ir.NodeID, node *ir.Node) error {
	a, be := s.a, s.be

	if node.Op.IsComparison() {
		return nil // zero gradient contribution
	}

	switch node.Op {
	case ir.Mod:
		// a += g; b's gradient is piecewise-discontinuous and omitted.
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		return s.accumulate(g, node.A, []int{g})

	case ir.IntAdd, ir.IntSub, ir.IntMul, ir.IntDiv, ir.IntIf,
		ir.And, ir.Or, ir.Not, ir.ArrayIndex:
		// Truncated-integer and boolean-logic ops are not differentiable
		// in any classical sense; they contribute zero gradient, same as
		// the comparison ops above.
		return nil

	case ir.Add:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		if err := s.accumulate(g, node.A, []int{g}); err != nil {
			return err
		}
		return s.accumulate(g, node.B, []int{g})

	case ir.Sub:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		if err := s.accumulate(g, node.A, []int{g}); err != nil {
			return err
		}
		neg, err := s.reverseScratch([]int{g}, id)
		if err != nil {
			return err
		}
		tmp, err := s.reverseScratch([]int{g, neg}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, neg, g)
		be.EmitNeg(a, neg, tmp)
		return s.accumulate(neg, node.B, []int{neg})

	case ir.Mul:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		vB, err := s.loadVal(node.B, []int{g, vA})
		if err != nil {
			return err
		}
		contribA, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribA, g)
		be.EmitMul(a, contribA, vB)
		if err := s.accumulate(contribA, node.A, []int{g, vA, vB, contribA}); err != nil {
			return err
		}
		contribB, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribB, g)
		be.EmitMul(a, contribB, vA)
		return s.accumulate(contribB, node.B, []int{g, vA, vB, contribB})

	case ir.Div:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		vB, err := s.loadVal(node.B, []int{g, vA})
		if err != nil {
			return err
		}
		contribA, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribA, g)
		be.EmitDiv(a, contribA, vB)
		if err := s.accumulate(contribA, node.A, []int{g, vA, vB, contribA}); err != nil {
			return err
		}
		contribB, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		tmp, err := s.reverseScratch([]int{g, vA, vB, contribB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribB, g)
		be.EmitMul(a, contribB, vA)
		be.EmitDiv(a, contribB, vB)
		be.EmitDiv(a, contribB, vB)
		be.EmitNeg(a, contribB, tmp)
		return s.accumulate(contribB, node.B, []int{g, vA, vB, contribB})

	case ir.Neg:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		neg, err := s.reverseScratch([]int{g}, id)
		if err != nil {
			return err
		}
		tmp, err := s.reverseScratch([]int{g, neg}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, neg, g)
		be.EmitNeg(a, neg, tmp)
		return s.accumulate(neg, node.A, []int{neg})

	case ir.Abs:
		// sign(v[a]) via v[a] / (|v[a]| + eps), eps≈1e-300 so sign(0)=0.
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		absA, err := s.reverseScratch([]int{g, vA}, id)
		if err != nil {
			return err
		}
		tmp, err := s.reverseScratch([]int{g, vA, absA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, absA, vA)
		be.EmitAbs(a, absA, tmp)
		eps, err := s.reverseScratch([]int{g, vA, absA}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, eps, 1e-300)
		be.EmitAdd(a, absA, eps)
		sign, err := s.reverseScratch([]int{g, vA, absA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, sign, vA)
		be.EmitDiv(a, sign, absA)
		be.EmitMul(a, sign, g)
		return s.accumulate(sign, node.A, []int{sign})

	case ir.Square:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		two, err := s.reverseScratch([]int{g, vA}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, two, 2.0)
		be.EmitMul(a, two, vA)
		be.EmitMul(a, two, g)
		return s.accumulate(two, node.A, []int{two})

	case ir.Sqrt:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vSelf, err := s.loadVal(id, []int{g})
		if err != nil {
			return err
		}
		two, err := s.reverseScratch([]int{g, vSelf}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, two, 2.0)
		be.EmitMul(a, two, vSelf) // two = 2*v[self]
		contrib, err := s.reverseScratch([]int{g, vSelf, two}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contrib, g)
		be.EmitDiv(a, contrib, two)
		return s.accumulate(contrib, node.A, []int{contrib})

	case ir.Recip:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		sq, err := s.reverseScratch([]int{g, vA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, sq, vA)
		be.EmitMul(a, sq, vA)
		contrib, err := s.reverseScratch([]int{g, vA, sq}, id)
		if err != nil {
			return err
		}
		tmp, err := s.reverseScratch([]int{g, vA, sq, contrib}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contrib, g)
		be.EmitDiv(a, contrib, sq)
		be.EmitNeg(a, contrib, tmp)
		return s.accumulate(contrib, node.A, []int{contrib})

	case ir.Exp:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vSelf, err := s.loadVal(id, []int{g})
		if err != nil {
			return err
		}
		contrib, err := s.reverseScratch([]int{g, vSelf}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contrib, g)
		be.EmitMul(a, contrib, vSelf)
		return s.accumulate(contrib, node.A, []int{contrib})

	case ir.Log:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		contrib, err := s.reverseScratch([]int{g, vA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contrib, g)
		be.EmitDiv(a, contrib, vA)
		return s.accumulate(contrib, node.A, []int{contrib})

	case ir.Sin:
		// d/dx sin(a) = cos(a); cos(a) is its own transcendental call.
		vA, err := s.loadVal(node.A, nil)
		if err != nil {
			return err
		}
		cosA, err := s.reverseScratch([]int{vA}, id)
		if err != nil {
			return err
		}
		be.EmitCos(a, cosA, vA, s.alloc)
		s.afterCall()
		g, err := s.loadGrad(id, []int{cosA})
		if err != nil {
			return err
		}
		be.EmitMul(a, cosA, g)
		return s.accumulate(cosA, node.A, []int{cosA})

	case ir.Cos:
		// d/dx cos(a) = -sin(a).
		vA, err := s.loadVal(node.A, nil)
		if err != nil {
			return err
		}
		sinA, err := s.reverseScratch([]int{vA}, id)
		if err != nil {
			return err
		}
		be.EmitSin(a, sinA, vA, s.alloc)
		s.afterCall()
		tmp, err := s.reverseScratch([]int{sinA}, id)
		if err != nil {
			return err
		}
		be.EmitNeg(a, sinA, tmp)
		g, err := s.loadGrad(id, []int{sinA})
		if err != nil {
			return err
		}
		be.EmitMul(a, sinA, g)
		return s.accumulate(sinA, node.A, []int{sinA})

	case ir.Tan:
		// v[self] = tan(a) is already materialized; d/dx tan(a) = 1+tan(a)^2.
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vSelf, err := s.loadVal(id, []int{g})
		if err != nil {
			return err
		}
		sq, err := s.reverseScratch([]int{g, vSelf}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, sq, vSelf)
		be.EmitMul(a, sq, vSelf)
		one, err := s.reverseScratch([]int{g, vSelf, sq}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, one, 1.0)
		be.EmitAdd(a, sq, one)
		be.EmitMul(a, sq, g)
		return s.accumulate(sq, node.A, []int{sq})

	case ir.Pow:
		vA, err := s.loadVal(node.A, nil)
		if err != nil {
			return err
		}
		vB, err := s.loadVal(node.B, []int{vA})
		if err != nil {
			return err
		}
		one, err := s.reverseScratch([]int{vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, one, 1.0)
		bMinus1, err := s.reverseScratch([]int{vA, vB, one}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, bMinus1, vB)
		be.EmitSub(a, bMinus1, one)
		powAB1, err := s.reverseScratch([]int{vA, vB, bMinus1}, id)
		if err != nil {
			return err
		}
		be.EmitPow(a, powAB1, vA, bMinus1, s.alloc)
		s.afterCall()
		// vA, vB may have been clobbered by the libm call; reload fresh.
		vB2, err := s.loadVal(node.B, []int{powAB1})
		if err != nil {
			return err
		}
		g2, err := s.loadGrad(id, []int{powAB1, vB2})
		if err != nil {
			return err
		}
		be.EmitMul(a, powAB1, vB2)
		be.EmitMul(a, powAB1, g2)
		if err := s.accumulate(powAB1, node.A, []int{powAB1}); err != nil {
			return err
		}

		vA2, err := s.loadVal(node.A, nil)
		if err != nil {
			return err
		}
		logA, err := s.reverseScratch([]int{vA2}, id)
		if err != nil {
			return err
		}
		be.EmitLog(a, logA, vA2, s.alloc)
		s.afterCall()
		vSelf, err := s.loadVal(id, []int{logA})
		if err != nil {
			return err
		}
		g3, err := s.loadGrad(id, []int{logA, vSelf})
		if err != nil {
			return err
		}
		be.EmitMul(a, logA, vSelf)
		be.EmitMul(a, logA, g3)
		return s.accumulate(logA, node.B, []int{logA})

	case ir.Min:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		vB, err := s.loadVal(node.B, []int{g, vA})
		if err != nil {
			return err
		}
		maskA, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitCmpLE(a, maskA, vA, vB, s.alloc) // 1.0 where v[a] <= v[b]
		contribA, err := s.reverseScratch([]int{g, vA, vB, maskA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribA, g)
		be.EmitMul(a, contribA, maskA)
		if err := s.accumulate(contribA, node.A, []int{g, vA, vB, contribA}); err != nil {
			return err
		}
		maskB, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitCmpLT(a, maskB, vB, vA, s.alloc) // 1.0 where v[b] < v[a]
		contribB, err := s.reverseScratch([]int{g, vA, vB, maskB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribB, g)
		be.EmitMul(a, contribB, maskB)
		return s.accumulate(contribB, node.B, []int{g, vA, vB, contribB})

	case ir.Max:
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		vA, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		vB, err := s.loadVal(node.B, []int{g, vA})
		if err != nil {
			return err
		}
		maskA, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitCmpGE(a, maskA, vA, vB, s.alloc) // 1.0 where v[a] >= v[b]
		contribA, err := s.reverseScratch([]int{g, vA, vB, maskA}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribA, g)
		be.EmitMul(a, contribA, maskA)
		if err := s.accumulate(contribA, node.A, []int{g, vA, vB, contribA}); err != nil {
			return err
		}
		maskB, err := s.reverseScratch([]int{g, vA, vB}, id)
		if err != nil {
			return err
		}
		be.EmitCmpGT(a, maskB, vB, vA, s.alloc) // 1.0 where v[b] > v[a]
		contribB, err := s.reverseScratch([]int{g, vA, vB, maskB}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribB, g)
		be.EmitMul(a, contribB, maskB)
		return s.accumulate(contribB, node.B, []int{g, vA, vB, contribB})

	case ir.If:
		// t += c*g, f += (1-c)*g — gradient flows through both branches
		// weighted by the arithmetic blend mask, not a conditional branch.
		g, err := s.loadGrad(id, nil)
		if err != nil {
			return err
		}
		c, err := s.loadVal(node.A, []int{g})
		if err != nil {
			return err
		}
		contribT, err := s.reverseScratch([]int{g, c}, id)
		if err != nil {
			return err
		}
		be.EmitMove(a, contribT, c)
		be.EmitMul(a, contribT, g)
		if err := s.accumulate(contribT, node.B, []int{g, c, contribT}); err != nil {
			return err
		}
		one, err := s.reverseScratch([]int{g, c}, id)
		if err != nil {
			return err
		}
		be.EmitLoadImmediate(a, one, 1.0)
		be.EmitSub(a, one, c) // one = 1 - c
		be.EmitMul(a, one, g)
		return s.accumulate(one, node.C, []int{one})

	default:
		return &UnsupportedOpError{Node: id, Op: node.Op}
	}
}
