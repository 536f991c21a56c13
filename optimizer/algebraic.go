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

package optimizer

import "github.com/da-roth/forge/ir"

// algebraicSimplify implements §4.2.4: per-node pattern rewrites using
// operand identity and Constant-value checks. Dead nodes pass straight
// through (still remapped, to keep ids dense and order stable) without
// being considered for simplification, same as the other passes.
//
// Identity rewrites that thread an operand through unchanged (x*1->x,
// x+0->x, ...) copy that operand's already-remapped node out of `out`
// rather than leaving the node pointing at stale pre-optimization ids,
// and — per the safety note in §4.2.4 — never perform that thread-
// through when the operand being forwarded is an Input: the node is
// left structurally present instead.
func algebraicSimplify(g *ir.Graph) (*ir.Graph, []ir.NodeID, int) {
	out := &ir.Graph{ConstPool: append([]float64(nil), g.ConstPool...)}
	oldToNew := newIDSlice(len(g.Nodes))
	rewrites := 0

	for oldID := range g.Nodes {
		if oldToNew[oldID] != ir.None {
			continue
		}
		n := g.Nodes[oldID]

		if n.Flags.IsDead {
			ra, rb, rc := remapTriple(n.A, n.B, n.C, oldToNew)
			n.A, n.B, n.C = ra, rb, rc
			oldToNew[oldID] = out.AddNode(n)
			continue
		}

		ra, rb, rc := remapTriple(n.A, n.B, n.C, oldToNew)

		if newID, matched := matchAlgebraic(out, n, ra, rb, rc); matched {
			oldToNew[oldID] = newID
			rewrites++
			continue
		}

		n.A, n.B, n.C = ra, rb, rc
		oldToNew[oldID] = out.AddNode(n)
	}

	remapOutputsAndDiffInputs(g, out, oldToNew)
	return out, oldToNew, rewrites
}

// matchAlgebraic checks n (whose operands have already been remapped to
// ra, rb, rc in out) against the table in §4.2.4.
func matchAlgebraic(out *ir.Graph, n ir.Node, ra, rb, rc ir.NodeID) (ir.NodeID, bool) {
	switch n.Op {
	case ir.Mul:
		if ra == rb {
			return addOp(out, ir.Square, ra, ir.None, ir.None), true
		}
		if isConstantValue(out, rb, 1.0) && !isInput(out, ra) {
			return ra, true
		}
		if isConstantValue(out, ra, 0.0) || isConstantValue(out, rb, 0.0) {
			return addConstNode(out, 0.0), true
		}
	case ir.Add:
		if isConstantValue(out, ra, 0.0) && !isInput(out, rb) {
			return rb, true
		}
		if isConstantValue(out, rb, 0.0) && !isInput(out, ra) {
			return ra, true
		}
	case ir.Sub:
		if isConstantValue(out, rb, 0.0) && !isInput(out, ra) {
			return ra, true
		}
		if ra == rb {
			return addConstNode(out, 0.0), true
		}
	case ir.Div:
		if isConstantValue(out, rb, 1.0) && !isInput(out, ra) {
			return ra, true
		}
		if ra == rb {
			return addConstNode(out, 1.0), true
		}
	case ir.Neg:
		if out.Nodes[ra].Op == ir.Neg && !isInput(out, out.Nodes[ra].A) {
			return out.Nodes[ra].A, true
		}
	case ir.Square:
		if isConstantValue(out, ra, 0.0) {
			return addConstNode(out, 0.0), true
		}
		if isConstantValue(out, ra, 1.0) {
			return addConstNode(out, 1.0), true
		}
	case ir.Sqrt:
		if isConstantValue(out, ra, 0.0) {
			return addConstNode(out, 0.0), true
		}
		if isConstantValue(out, ra, 1.0) {
			return addConstNode(out, 1.0), true
		}
	case ir.Exp:
		if isConstantValue(out, ra, 0.0) {
			return addConstNode(out, 1.0), true
		}
	case ir.Log:
		if isConstantValue(out, ra, 1.0) {
			return addConstNode(out, 0.0), true
		}
	}
	return ir.None, false
}

func isInput(out *ir.Graph, id ir.NodeID) bool {
	return id != ir.None && int(id) < len(out.Nodes) && out.Nodes[id].Op == ir.Input
}

func addConstNode(out *ir.Graph, v float64) ir.NodeID {
	idx := out.AddConstant(v)
	return out.AddNode(ir.Node{Op: ir.Constant, A: ir.None, B: ir.None, C: ir.None, Imm: idx})
}
