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

package ir

import "math"

// Graph is an ordered, topologically-sorted sequence of Nodes plus a
// deduplicated constant pool, a set of output roots and a set of
// differentiation-input roots (§3).
type Graph struct {
	Nodes      []Node
	ConstPool  []float64
	Outputs    []NodeID
	DiffInputs []NodeID
}

// NewGraph returns an empty graph ready for Builder to append to.
func NewGraph() *Graph {
	return &Graph{}
}

// AddNode appends n to the graph, stamping its Dst with the assigned ID,
// and returns that ID. It performs no validation; callers that need the
// invariants enforced should go through Builder or call Validate after
// construction.
func (g *Graph) AddNode(n Node) NodeID {
	id := NodeID(len(g.Nodes))
	n.Dst = id
	g.Nodes = append(g.Nodes, n)
	return id
}

// AddConstant deduplicates value against the existing pool (bit-exact,
// so that distinct NaN payloads or -0.0 vs +0.0 are preserved rather
// than merged) and returns its pool index.
func (g *Graph) AddConstant(value float64) uint32 {
	bits := math.Float64bits(value)
	for i, v := range g.ConstPool {
		if math.Float64bits(v) == bits {
			return uint32(i)
		}
	}
	idx := uint32(len(g.ConstPool))
	g.ConstPool = append(g.ConstPool, value)
	return idx
}

// MarkOutput records id as an output root.
func (g *Graph) MarkOutput(id NodeID) {
	g.Outputs = append(g.Outputs, id)
}

// MarkDiffInput records id as a differentiation-input root.
func (g *Graph) MarkDiffInput(id NodeID) {
	g.DiffInputs = append(g.DiffInputs, id)
}

// Validate checks the invariants from §3: topological order, operand
// sanity (range, arity, sentinel use) and valid constant-pool indices.
// It does not check the needsGradient/isActive transitivity rules,
// which Builder maintains by construction rather than by a post-hoc
// scan.
func (g *Graph) Validate() error {
	for id := range g.Nodes {
		n := &g.Nodes[id]
		if err := g.validateNode(NodeID(id), n); err != nil {
			return err
		}
	}
	for _, out := range g.Outputs {
		if int(out) >= len(g.Nodes) {
			return &ValidationError{Node: out, Reason: "output references out-of-range node"}
		}
	}
	for _, di := range g.DiffInputs {
		if int(di) >= len(g.Nodes) {
			return &ValidationError{Node: di, Reason: "diff_input references out-of-range node"}
		}
	}
	return nil
}

func (g *Graph) validateNode(id NodeID, n *Node) error {
	if n.Op == Constant {
		if int(n.Imm) >= len(g.ConstPool) {
			return &ValidationError{Node: id, Reason: "constant pool index out of range"}
		}
		return nil
	}
	arity := n.Op.Arity()
	if arity < 0 {
		return &ValidationError{Node: id, Reason: "unknown opcode"}
	}
	slots := n.operandSlots()
	for i, s := range slots {
		if i < arity {
			if s == None {
				return &ValidationError{Node: id, Reason: "missing required operand"}
			}
			if s >= id {
				return &ValidationError{Node: id, Reason: "operand violates topological order"}
			}
		} else if s != None {
			return &ValidationError{Node: id, Reason: "unused operand slot not sentinel"}
		}
	}
	return nil
}

// HighestNodeID returns the last index in Nodes, used by kernel metadata
// for buffer sizing. Returns None if the graph is empty.
func (g *Graph) HighestNodeID() NodeID {
	if len(g.Nodes) == 0 {
		return None
	}
	return NodeID(len(g.Nodes) - 1)
}
