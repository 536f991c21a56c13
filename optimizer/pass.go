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

// Stats accumulates the per-pass rewrite counts the pipeline reports
// (§4.2: "each pass reports the number of rewrites it performed").
type Stats struct {
	StabilityRewrites    int
	InactiveFolds        int
	DuplicatesEliminated int
	AlgebraicRewrites    int
	ConstantsRemoved     int
	PassesRun            int
}

// pass is the common shape every optimization pass implements: consume
// a graph, produce a new one plus the old->new node-id map (None for
// nodes that were deleted/collapsed), and report how many rewrites it
// made.
type pass func(g *ir.Graph) (out *ir.Graph, oldToNew []ir.NodeID, changes int)

// remapTriple applies an old->new map to a node's three operand slots,
// leaving ir.None operands untouched. Every pass uses this same
// operation, matching the "remap operand IDs on the fly" rule common to
// all passes (§4.2).
func remapTriple(a, b, c ir.NodeID, oldToNew []ir.NodeID) (ir.NodeID, ir.NodeID, ir.NodeID) {
	return remapOne(a, oldToNew), remapOne(b, oldToNew), remapOne(c, oldToNew)
}

func remapOne(id ir.NodeID, oldToNew []ir.NodeID) ir.NodeID {
	if id == ir.None {
		return ir.None
	}
	if int(id) < len(oldToNew) && oldToNew[id] != ir.None {
		return oldToNew[id]
	}
	return id
}

// newIDSlice returns a slice of len(n) node IDs all initialized to
// ir.None, the shape every pass starts its old->new map from.
func newIDSlice(n int) []ir.NodeID {
	s := make([]ir.NodeID, n)
	for i := range s {
		s[i] = ir.None
	}
	return s
}

// remapOutputsAndDiffInputs copies g's Outputs/DiffInputs into out,
// translated through oldToNew, dropping any root whose node was
// removed entirely (oldToNew entry still None after the pass ran).
func remapOutputsAndDiffInputs(g, out *ir.Graph, oldToNew []ir.NodeID) {
	for _, o := range g.Outputs {
		if int(o) < len(oldToNew) && oldToNew[o] != ir.None {
			out.MarkOutput(oldToNew[o])
		}
	}
	for _, d := range g.DiffInputs {
		if int(d) < len(oldToNew) && oldToNew[d] != ir.None {
			out.MarkDiffInput(oldToNew[d])
		}
	}
}

// addOp appends a new node computed from already-remapped (new-graph)
// operand ids, deriving its flags by OR-ing the operands' flags the
// same way ir.Builder does at insertion time. Passes that synthesize a
// replacement node (stability cleaning's exp(neg(x)), algebraic
// simplification's folded identities) go through this so the invariant
// that flags reflect the operands is never accidentally dropped.
func addOp(out *ir.Graph, op ir.OpCode, a, b, c ir.NodeID) ir.NodeID {
	var flags ir.Flags
	for _, id := range [3]ir.NodeID{a, b, c} {
		if id == ir.None {
			continue
		}
		nf := out.Nodes[id].Flags
		flags.IsActive = flags.IsActive || nf.IsActive
		flags.NeedsGradient = flags.NeedsGradient || nf.NeedsGradient
	}
	return out.AddNode(ir.Node{Op: op, A: a, B: b, C: c, Flags: flags})
}

// composeMaps returns the map from first.id -> second[first[id]],
// propagating None through either stage. Used to thread an
// original->optimized mapping through successive pipeline passes.
func composeMaps(first, second []ir.NodeID) []ir.NodeID {
	out := make([]ir.NodeID, len(first))
	for i, mid := range first {
		if mid == ir.None {
			out[i] = ir.None
			continue
		}
		if int(mid) < len(second) {
			out[i] = second[mid]
		} else {
			out[i] = ir.None
		}
	}
	return out
}
