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

// None is the sentinel operand value meaning "no node here". It matches
// the wire format's 0xFFFFFFFF sentinel (§6) so serialize can copy it
// across verbatim.
const None NodeID = 0xFFFFFFFF

// NodeID indexes into a Graph's node vector. IDs double as slot indices
// into the value and gradient buffers, so they must stay dense.
type NodeID = uint32

// Flags packs the three per-node booleans the spec calls out: isActive,
// isDead, needsGradient.
type Flags struct {
	IsActive     bool
	IsDead       bool
	NeedsGradient bool
}

// Node is one operation in the graph. Operand slots a/b/c carry None when
// unused; which slots are meaningful is determined by Op.Arity().
type Node struct {
	Op    OpCode
	A, B, C NodeID
	// Imm is the constant-pool index when Op == Constant; unused otherwise.
	Imm   uint32
	Flags Flags
	// Dst is the node's own ID, kept on the node so optimizer passes that
	// thread a Node value through several remaps don't need a second map
	// lookup to recover it.
	Dst NodeID
}

// operandSlots returns the live operand fields as a 3-element array so
// callers (CSE signatures, remap loops) can iterate uniformly regardless
// of arity.
func (n *Node) operandSlots() [3]NodeID {
	return [3]NodeID{n.A, n.B, n.C}
}

// setOperandSlots writes back a remapped operand triple as given; it
// does not consult Op.Arity(), so unused slots must already be None.
func (n *Node) setOperandSlots(s [3]NodeID) {
	n.A, n.B, n.C = s[0], s[1], s[2]
}
