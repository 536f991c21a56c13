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

package kernel

import "unsafe"

// callEntry is implemented in call_amd64.s: it loads fn into a register
// and issues a bare CALL under the host System V convention — the only
// way to invoke a function pointer that Go's own calling convention was
// never involved in producing (see asm.Assembler's package doc: the
// kernel has no Go stack map or Pcdata for the runtime to walk).
//
//go:noescape
func callEntry(fn uintptr, values, gradients unsafe.Pointer, count uintptr)
