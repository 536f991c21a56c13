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

import "fmt"

// ValidationError reports a malformed-IR condition (§7): operand index
// out of range, op/arity mismatch, cycle, or a Constant with an
// out-of-range pool index. It is typed so callers can errors.As it
// rather than matching on string content.
type ValidationError struct {
	Node   NodeID
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ir: invalid node %d: %s", e.Node, e.Reason)
}

// BuilderError reports a programmer-bug condition raised by Builder:
// referencing an operand that was never defined, or an unknown OpCode.
// These are not meant to be recovered from; Builder panics with this
// type rather than returning it, matching §4.1 ("both are programmer
// bugs and fail fast").
type BuilderError struct {
	Reason string
}

func (e *BuilderError) Error() string {
	return "ir: builder contract violation: " + e.Reason
}
