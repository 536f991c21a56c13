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

import (
	"fmt"

	"github.com/da-roth/forge/ir"
)

// UnsupportedOpError reports an opcode the emitter has no codegen
// sequence for. ArrayIndex is reserved and always produces this (§9
// Open Questions: reserved opcodes are not wired to any backend yet).
type UnsupportedOpError struct {
	Node ir.NodeID
	Op   ir.OpCode
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("emitter: node %d: opcode %s has no codegen sequence", e.Node, e.Op)
}

// RegisterExhaustedError reports that the allocator could not satisfy a
// request because every physical register was locked or blacklisted —
// more concurrent live values than the backend's register file holds.
type RegisterExhaustedError struct {
	Node ir.NodeID
}

func (e *RegisterExhaustedError) Error() string {
	return fmt.Sprintf("emitter: node %d: register allocator exhausted", e.Node)
}
