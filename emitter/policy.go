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

package emitter

import "github.com/da-roth/forge/ir"

// Policy is the compilation-policy hook of §4.4.1: "a policy hook may
// override three decisions per node." It lets a caller with extra
// knowledge (e.g. a scheduler that knows a node's result is reused
// immediately by a fused op) skip work the default forward walk would
// otherwise do unconditionally.
type Policy interface {
	// ShouldStore reports whether node's destination register should be
	// written back to its value slot right after computation. Returning
	// false leaves the register dirty; the caller is responsible for the
	// value reaching memory before anything else evicts that register.
	ShouldStore(node ir.NodeID) bool

	// PreferredRegister optionally names a specific physical register
	// index for node's result, overriding the allocator's normal choice.
	// ok is false to decline and let the allocator pick.
	PreferredRegister(node ir.NodeID) (reg int, ok bool)

	// KnownRegister reports that node's value is already resident in
	// reg, skipping the allocator's FindNodeInRegister lookup and any
	// load the forward walk would otherwise emit.
	KnownRegister(node ir.NodeID) (reg int, ok bool)
}

// DefaultPolicy always stores immediately and never overrides register
// selection — the forward/reverse walk's behavior with no policy hook
// installed.
type DefaultPolicy struct{}

func (DefaultPolicy) ShouldStore(ir.NodeID) bool              { return true }
func (DefaultPolicy) PreferredRegister(ir.NodeID) (int, bool) { return 0, false }
func (DefaultPolicy) KnownRegister(ir.NodeID) (int, bool)     { return 0, false }

var _ Policy = DefaultPolicy{}
