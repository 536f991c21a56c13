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

// Builder is the recorder-facing surface named in §4.1: create input,
// create constant, create unary/binary/ternary ops, mark output, mark
// gradient input. It computes and stores isActive/needsGradient at
// insertion time by OR-ing the operands' flags; dead-flag computation
// is left entirely to the optimizer.
//
// Builder is not safe for concurrent use; a recorder owns one Builder
// per graph under construction.
type Builder struct {
	g *Graph
}

// NewBuilder returns a Builder appending to a fresh, empty Graph.
func NewBuilder() *Builder {
	return &Builder{g: NewGraph()}
}

// Graph returns the graph under construction. The returned pointer
// remains owned by the Builder; callers that need an independent copy
// should go through serialize or a dedicated clone.
func (b *Builder) Graph() *Graph {
	return b.g
}

// Input appends a fresh Input node and returns its ID. Input nodes are
// always active and never need a gradient unless later marked via
// MarkDiffInput.
func (b *Builder) Input() NodeID {
	return b.g.AddNode(Node{Op: Input, A: None, B: None, C: None, Flags: Flags{IsActive: true}})
}

// Const appends (or reuses, via pool dedup) a Constant node holding
// value and returns its ID. Constants are never active.
func (b *Builder) Const(value float64) NodeID {
	idx := b.g.AddConstant(value)
	for i := range b.g.Nodes {
		if n := &b.g.Nodes[i]; n.Op == Constant && n.Imm == idx {
			return NodeID(i)
		}
	}
	return b.g.AddNode(Node{Op: Constant, A: None, B: None, C: None, Imm: idx})
}

func (b *Builder) checkDefined(id NodeID) {
	if id == None {
		return
	}
	if int(id) >= len(b.g.Nodes) {
		panic(&BuilderError{Reason: "operand references a node that has not been defined yet"})
	}
}

func (b *Builder) flagsOf(ids ...NodeID) Flags {
	var f Flags
	for _, id := range ids {
		if id == None {
			continue
		}
		n := &b.g.Nodes[id]
		f.IsActive = f.IsActive || n.Flags.IsActive
		f.NeedsGradient = f.NeedsGradient || n.Flags.NeedsGradient
	}
	return f
}

// Unary appends a one-operand node (Neg, Abs, Square, Recip, Sqrt, Exp,
// Log, Sin, Cos, Tan, Not).
func (b *Builder) Unary(op OpCode, a NodeID) NodeID {
	if op.Arity() != 1 {
		panic(&BuilderError{Reason: "Unary called with non-unary opcode " + op.String()})
	}
	b.checkDefined(a)
	return b.g.AddNode(Node{Op: op, A: a, B: None, C: None, Flags: b.flagsOf(a)})
}

// Binary appends a two-operand node (Add, Sub, Mul, Div, Mod, Min, Max,
// Pow, the six comparisons, the integer arithmetic/comparison ops, And,
// Or, ArrayIndex).
func (b *Builder) Binary(op OpCode, a, c NodeID) NodeID {
	if op.Arity() != 2 {
		panic(&BuilderError{Reason: "Binary called with non-binary opcode " + op.String()})
	}
	b.checkDefined(a)
	b.checkDefined(c)
	flags := b.flagsOf(a, c)
	if op.IsComparison() {
		// Comparisons take the same OR of their operands' isActive and
		// needsGradient flags as any other op; the reverse pass gives
		// them a zero gradient contribution.
	}
	return b.g.AddNode(Node{Op: op, A: a, B: c, C: None, Flags: flags})
}

// Ternary appends a three-operand node (If, IntIf).
func (b *Builder) Ternary(op OpCode, cond, t, f NodeID) NodeID {
	if op.Arity() != 3 {
		panic(&BuilderError{Reason: "Ternary called with non-ternary opcode " + op.String()})
	}
	b.checkDefined(cond)
	b.checkDefined(t)
	b.checkDefined(f)
	return b.g.AddNode(Node{Op: op, A: cond, B: t, C: f, Flags: b.flagsOf(cond, t, f)})
}

// MarkOutput marks id as an output root.
func (b *Builder) MarkOutput(id NodeID) {
	b.checkDefined(id)
	b.g.MarkOutput(id)
}

// MarkDiffInput marks id as a differentiation input: its gradient is
// wanted, and needsGradient propagates to every node that is later
// built on top of it (propagation happens automatically for nodes
// built after this call; nodes built before it do not retroactively
// gain the flag, matching the insertion-time OR-ing rule).
func (b *Builder) MarkDiffInput(id NodeID) {
	b.checkDefined(id)
	b.g.Nodes[id].Flags.NeedsGradient = true
	b.g.MarkDiffInput(id)
}
