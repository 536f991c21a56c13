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

import (
	"math"

	"github.com/da-roth/forge/ir"
)

// operandKey is one slot of a node signature (§4.2.3). Constant
// operands normalize to their bit pattern so two Constants with the
// same value collide regardless of which pool index or node id they
// started life as; every other operand normalizes to its new (already
// remapped) node id.
type operandKey struct {
	isConst   bool
	constBits uint64
	id        ir.NodeID
}

// signature is the CSE dedup key: (op, norm(a), norm(b), norm(c),
// imm-if-Constant). All fields are comparable, so signature itself is a
// valid map key.
type signature struct {
	op      ir.OpCode
	a, b, c operandKey
	imm     uint32
}

// cse implements §4.2.3: a single O(n) pass building a signature->first
// occurrence map. Input nodes are never coalesced (treated like dead
// nodes: passed through, remapped, but not entered into the signature
// map), matching the original pass's exemption.
func cse(g *ir.Graph) (*ir.Graph, []ir.NodeID, int) {
	out := &ir.Graph{ConstPool: append([]float64(nil), g.ConstPool...)}
	oldToNew := newIDSlice(len(g.Nodes))
	seen := make(map[signature]ir.NodeID, len(g.Nodes))
	duplicates := 0

	for oldID := range g.Nodes {
		if oldToNew[oldID] != ir.None {
			continue
		}
		n := g.Nodes[oldID]

		if n.Flags.IsDead || n.Op == ir.Input {
			ra, rb, rc := remapTriple(n.A, n.B, n.C, oldToNew)
			n.A, n.B, n.C = ra, rb, rc
			oldToNew[oldID] = out.AddNode(n)
			continue
		}

		sig := signature{
			op:  n.Op,
			a:   normalizeOperand(n.A, g, oldToNew),
			b:   normalizeOperand(n.B, g, oldToNew),
			c:   normalizeOperand(n.C, g, oldToNew),
			imm: n.Imm,
		}

		if canonical, ok := seen[sig]; ok {
			oldToNew[oldID] = canonical
			duplicates++
			continue
		}

		ra, rb, rc := remapTriple(n.A, n.B, n.C, oldToNew)
		n.A, n.B, n.C = ra, rb, rc
		newID := out.AddNode(n)
		oldToNew[oldID] = newID
		seen[sig] = newID
	}

	remapOutputsAndDiffInputs(g, out, oldToNew)
	return out, oldToNew, duplicates
}

func normalizeOperand(id ir.NodeID, g *ir.Graph, oldToNew []ir.NodeID) operandKey {
	if id == ir.None || int(id) >= len(g.Nodes) {
		return operandKey{id: id}
	}
	n := &g.Nodes[id]
	if n.Op == ir.Constant {
		return operandKey{isConst: true, constBits: math.Float64bits(g.ConstPool[n.Imm])}
	}
	if int(id) < len(oldToNew) && oldToNew[id] != ir.None {
		return operandKey{id: oldToNew[id]}
	}
	return operandKey{id: id}
}
