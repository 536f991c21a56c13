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

import "testing"

func TestBuilderQuadratic(t *testing.T) {
	b := NewBuilder()
	x := b.Input()
	b.MarkDiffInput(x)
	sq := b.Unary(Square, x)
	one := b.Const(1.0)
	y := b.Binary(Add, sq, one)
	b.MarkOutput(y)

	g := b.Graph()
	if err := g.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if len(g.Outputs) != 1 || g.Outputs[0] != y {
		t.Fatalf("expected single output %d, got %v", y, g.Outputs)
	}
	vals := Eval(g, map[NodeID]float64{x: 2.0})
	if got := vals.Get(y); got != 5.0 {
		t.Fatalf("y = %v, want 5.0", got)
	}
}

func TestBuilderConstantDedup(t *testing.T) {
	b := NewBuilder()
	a := b.Const(3.14)
	c := b.Const(3.14)
	if a != c {
		t.Fatalf("expected constant dedup, got distinct nodes %d %d", a, c)
	}
	if len(b.Graph().ConstPool) != 1 {
		t.Fatalf("expected single pool entry, got %d", len(b.Graph().ConstPool))
	}
}

func TestBuilderUndefinedOperandPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for undefined operand")
		}
	}()
	b := NewBuilder()
	b.Unary(Neg, 99)
}

func TestBuilderNeedsGradientPropagation(t *testing.T) {
	b := NewBuilder()
	x := b.Input()
	b.MarkDiffInput(x)
	y := b.Unary(Neg, x)
	if !b.Graph().Nodes[y].Flags.NeedsGradient {
		t.Fatal("expected needsGradient to propagate from diff input")
	}

	b2 := NewBuilder()
	x2 := b2.Input()
	y2 := b2.Unary(Neg, x2)
	if b2.Graph().Nodes[y2].Flags.NeedsGradient {
		t.Fatal("expected needsGradient false when input not marked")
	}
}

func TestGraphValidateRejectsForwardReference(t *testing.T) {
	g := NewGraph()
	g.AddNode(Node{Op: Input, A: None, B: None, C: None})
	// Hand-construct a malformed node referencing a not-yet-defined id.
	g.Nodes = append(g.Nodes, Node{Op: Neg, A: 5, B: None, C: None, Dst: 1})
	if err := g.Validate(); err == nil {
		t.Fatal("expected validation error for forward reference")
	}
}
