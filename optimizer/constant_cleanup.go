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

// constantCleanup implements §4.2.5: count references to each pool
// entry, discard unreferenced ones, and rewrite every Constant node's
// Imm to the compacted index. Node ids are unchanged by this pass (only
// pool indices move), so its oldToNew map is the identity.
func constantCleanup(g *ir.Graph) (*ir.Graph, []ir.NodeID, int) {
	refCount := make([]int, len(g.ConstPool))
	for i := range g.Nodes {
		if g.Nodes[i].Op == ir.Constant {
			refCount[g.Nodes[i].Imm]++
		}
	}

	newPool := make([]float64, 0, len(g.ConstPool))
	oldToNewIdx := make([]int, len(g.ConstPool))
	removed := 0
	for i, v := range g.ConstPool {
		if refCount[i] == 0 {
			oldToNewIdx[i] = -1
			removed++
			continue
		}
		oldToNewIdx[i] = len(newPool)
		newPool = append(newPool, v)
	}

	out := &ir.Graph{
		ConstPool:  newPool,
		Outputs:    append([]ir.NodeID(nil), g.Outputs...),
		DiffInputs: append([]ir.NodeID(nil), g.DiffInputs...),
		Nodes:      make([]ir.Node, len(g.Nodes)),
	}
	oldToNew := make([]ir.NodeID, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.Op == ir.Constant {
			if ni := oldToNewIdx[n.Imm]; ni >= 0 {
				n.Imm = uint32(ni)
			} else {
				// Defensive fallback matching the original: a Constant
				// whose pool index has no mapping (should not happen
				// given the refcount pass counts every live Constant
				// node first) is pointed at pool index 0 rather than
				// panicking.
				n.Imm = 0
			}
		}
		n.Dst = ir.NodeID(i)
		out.Nodes[i] = n
		oldToNew[i] = ir.NodeID(i)
	}

	return out, oldToNew, removed
}
