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

package asm

import (
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
)

func TestNewAssembler(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.builder == nil {
		t.Fatal("expected non-nil builder")
	}
	if a.labels == nil || a.pendings == nil || a.xrefs == nil {
		t.Fatal("expected initialized label bookkeeping maps")
	}
}

func TestAssemblerNOP(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := a.NOP()
	if p.As != obj.ANOP {
		t.Fatalf("expected ANOP, got %v", p.As)
	}
}

func TestAssemblerTwoOperand(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := a.Two("MOVSD", X0, X1)
	if p.To.Reg != X0.Reg || p.From.Reg != X1.Reg {
		t.Fatalf("expected MOVSD X0, X1 operands, got to=%v from=%v", p.To, p.From)
	}
}

func TestAssemblerLabelResolvesForwardJump(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Sjmp("JMP", "done")
	a.Mark(1)
	a.Link("done")
	if len(a.pendings) != 0 {
		t.Fatalf("expected no pending jumps after Link, got %d", len(a.pendings))
	}
}

func TestAssemblerDuplicateLabelPanics(t *testing.T) {
	a, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Link("x")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate label")
		}
	}()
	a.Link("x")
}
