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

// inactiveFold implements §4.2.2: any node with isActive=false is
// recursively evaluated at compile time and replaced by a fresh
// Constant. The evaluation walks the *original* graph from scratch
// (not memoized against already-folded values) and then marks every
// still-unprocessed node in the same subgraph as redirected to the
// same new constant id — mirroring the original pass's
// evaluate-then-markProcessed shape, including its consequence that
// nodes visited earlier in the scan (lower IDs) already have their own
// entry and are left alone rather than re-pointed.
func inactiveFold(g *ir.Graph) (*ir.Graph, []ir.NodeID, int) {
	out := &ir.Graph{ConstPool: append([]float64(nil), g.ConstPool...)}
	oldToNew := newIDSlice(len(g.Nodes))
	folded := 0

	var markProcessed func(id ir.NodeID, constID ir.NodeID)
	markProcessed = func(id ir.NodeID, constID ir.NodeID) {
		if int(id) >= len(g.Nodes) || oldToNew[id] != ir.None {
			return
		}
		oldToNew[id] = constID
		n := g.Nodes[id]
		if n.Flags.IsActive {
			return
		}
		for _, operand := range [3]ir.NodeID{n.A, n.B, n.C} {
			if operand != ir.None {
				markProcessed(operand, constID)
			}
		}
	}

	for oldID := range g.Nodes {
		if oldToNew[oldID] != ir.None {
			continue
		}
		n := g.Nodes[oldID]

		if !n.Flags.IsActive && n.Op != ir.Input {
			value := evaluateConstantSubgraph(g, ir.NodeID(oldID))
			constIdx := out.AddConstant(value)
			constID := out.AddNode(ir.Node{Op: ir.Constant, A: ir.None, B: ir.None, C: ir.None, Imm: constIdx})
			folded++
			markProcessed(ir.NodeID(oldID), constID)
			continue
		}

		ra, rb, rc := remapTriple(n.A, n.B, n.C, oldToNew)
		n.A, n.B, n.C = ra, rb, rc
		oldToNew[oldID] = out.AddNode(n)
	}

	remapOutputsAndDiffInputs(g, out, oldToNew)
	return out, oldToNew, folded
}

// evaluateConstantSubgraph recursively computes the value of node id in
// the *original*, unoptimized graph g, applying the compile-time
// clamping rules of §4.4.3 (division/recip by zero, log of
// non-positive, sqrt of negative all clamp to 0.0 rather than
// propagating Inf/NaN into the constant pool).
func evaluateConstantSubgraph(g *ir.Graph, id ir.NodeID) float64 {
	// The graph is topological (every operand id < its consumer's id),
	// so filling vals in increasing order up to id is sufficient; Input
	// nodes never appear in an inactive subgraph by the isActive
	// transitivity invariant, so their default-zero value is never
	// actually read by anything this call returns.
	vals := make(ir.Values, id+1)
	for i := ir.NodeID(0); i <= id; i++ {
		n := &g.Nodes[i]
		if n.Op == ir.Input {
			continue
		}
		vals[i] = ir.EvalNode(g, vals, n)
	}
	return vals.Get(id)
}
