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

// Package emitter walks an optimized ir.Graph and drives a
// backend.Backend through an asm.Assembler to produce a kernel's
// instruction stream: Forward computes every live node's value,
// Reverse (when any output needs a gradient) walks the same graph
// backwards applying the chain rule (§4.4).
package emitter

import (
	"github.com/da-roth/forge/asm"
	"github.com/da-roth/forge/backend"
	"github.com/da-roth/forge/ir"
)

// state bundles the handles every forward/reverse step needs, so the
// per-node helpers below don't carry five parameters each.
type state struct {
	a      *asm.Assembler
	be     backend.Backend
	g      *ir.Graph
	alloc  *backend.Allocator
	policy Policy
}

// resolveOperand ensures id's value is resident in a register, per
// §4.4.1 step 2: reuse if the allocator (or the policy hook) already
// knows where it is, otherwise allocate a fresh register and load it
// (from the constant pool if id is a Constant node, else from its
// value slot).
func (s *state) resolveOperand(id ir.NodeID) (int, error) {
	if reg, ok := s.policy.KnownRegister(id); ok {
		s.alloc.Touch(reg)
		return reg, nil
	}
	if reg := s.alloc.FindNodeInRegister(id); reg >= 0 {
		s.alloc.Touch(reg)
		return reg, nil
	}
	reg := s.alloc.AllocateAvoiding(nil)
	if reg < 0 {
		return 0, &RegisterExhaustedError{Node: id}
	}
	s.be.EmitLoadValueForGradient(s.a, reg, id, s.g)
	s.alloc.SetRegister(reg, id, false)
	return reg, nil
}

// resolveOperands resolves every operand of an arity-N node in operand
// order, used so the destination-register choice below can avoid all
// of them at once.
func (s *state) resolveOperands(ids ...ir.NodeID) ([]int, error) {
	regs := make([]int, 0, len(ids))
	for _, id := range ids {
		reg, err := s.resolveOperand(id)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

// allocateDst picks node's destination register per §4.4.1 step 3. The
// policy hook may pin a specific register; absent that, this reuses
// the first operand's register (every Emit* sequence in backend/sse2
// and backend/avx2 only overwrites its dst operand as its final
// instruction, after every other operand has already been read, so
// this aliasing is always safe) rather than running a precise liveness
// analysis, matching the allocator's documented LRU approximation.
func (s *state) allocateDst(node ir.NodeID, operandRegs []int) (int, error) {
	if reg, ok := s.policy.PreferredRegister(node); ok {
		return reg, nil
	}
	if len(operandRegs) > 0 {
		return operandRegs[0], nil
	}
	reg := s.alloc.AllocateAvoiding(nil)
	if reg < 0 {
		return 0, &RegisterExhaustedError{Node: node}
	}
	return reg, nil
}

// finishNode records dst as node's result and, unless the policy
// defers it, stores it to node's value slot immediately (§4.4.1 step
// 5). A deferred store leaves the register dirty; the policy author
// is responsible for getting the value to memory before anything else
// evicts that register (see Policy.ShouldStore).
func (s *state) finishNode(node ir.NodeID, dst int) {
	store := s.policy.ShouldStore(node)
	s.alloc.SetRegister(dst, node, !store)
	if store {
		s.be.EmitStore(s.a, dst, node)
	}
}
