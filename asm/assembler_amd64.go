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
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"unsafe"

	golangasm "github.com/twitchyliquid64/golang-asm/asm"
	"github.com/twitchyliquid64/golang-asm/obj"
)

const _LB_jump_pc = "_jump_pc_"

// Assembler accumulates a stream of obj.Prog instructions through
// golang-asm's amd64 builder and turns them into an executable page. A
// kernel emitter (backend/sse2, backend/avx2) drives it exclusively
// through From/To/Two/Three/Emit plus the label/branch pair
// Mark/Sjmp; Load hands back a callable function pointer once the
// stream is complete.
//
// Unlike a Go-ABI function compiled through the surrounding toolchain,
// a kernel built here follows the raw System V calling convention and
// is invoked by function-pointer call, not by the Go scheduler --
// there is no stack map or Pcdata to synthesize, so Load mmaps the
// assembled bytes directly rather than routing through a Go function
// loader.
type Assembler struct {
	i        int
	f        func()
	c        []byte
	page     []byte
	builder  *golangasm.Builder
	xrefs    map[string][]*obj.Prog
	labels   map[string]*obj.Prog
	pendings map[string][]*obj.Prog
}

// New constructs an Assembler ready to accept instructions, with
// cacheHint sized for the expected instruction count of one kernel
// (a few hundred nodes' worth of arithmetic primitives).
func New(cacheHint int) (*Assembler, error) {
	b, err := golangasm.NewBuilder("amd64", cacheHint)
	if err != nil {
		return nil, fmt.Errorf("asm: failed to create amd64 builder: %w", err)
	}
	return &Assembler{
		builder:  b,
		xrefs:    make(map[string][]*obj.Prog),
		labels:   make(map[string]*obj.Prog),
		pendings: make(map[string][]*obj.Prog),
	}, nil
}

// Init records fn as the compilation body Execute will run; it lets a
// single Assembler be constructed once per compilation and populated
// lazily, mirroring the ambient JIT stack's Init/Execute split.
func (self *Assembler) Init(fn func()) {
	self.f = fn
	self.c = nil
}

// Execute runs the compilation function recorded by Init, emitting the
// instruction stream.
func (self *Assembler) Execute() {
	self.f()
}

// newProg allocates a fresh instruction owned by this builder.
func (self *Assembler) newProg() *obj.Prog {
	return self.builder.NewProg()
}

// From emits an instruction with a source operand only.
func (self *Assembler) From(op string, src obj.Addr) *obj.Prog {
	p := self.newProg()
	p.As = As(op)
	p.From = src
	self.builder.AddInstruction(p)
	return p
}

// To emits an instruction with a destination operand only.
func (self *Assembler) To(op string, dst obj.Addr) *obj.Prog {
	p := self.newProg()
	p.As = As(op)
	p.To = dst
	self.builder.AddInstruction(p)
	return p
}

// Two emits a two-operand instruction: op dst, src.
func (self *Assembler) Two(op string, dst, src obj.Addr) *obj.Prog {
	p := self.newProg()
	p.As = As(op)
	p.From = src
	p.To = dst
	self.builder.AddInstruction(p)
	return p
}

// Three emits a three-operand instruction (two sources, one
// destination), used for the VEX-encoded AVX2 forms (VADDPD dst,
// src1, src2).
func (self *Assembler) Three(op string, dst, src1, src2 obj.Addr) *obj.Prog {
	p := self.newProg()
	p.As = As(op)
	p.From = src1
	p.Reg = src2.Reg
	p.To = dst
	self.builder.AddInstruction(p)
	return p
}

// Emit is the variadic escape hatch for instructions whose operand
// count isn't fixed at a call site.
func (self *Assembler) Emit(op string, args ...obj.Addr) *obj.Prog {
	p := self.newProg()
	p.As = As(op)
	switch len(args) {
	case 0:
	case 1:
		p.From = args[0]
	case 2:
		p.From = args[0]
		p.To = args[1]
	case 3:
		p.From = args[0]
		p.Reg = args[1].Reg
		p.To = args[2]
	default:
		panic("asm: too many operands for instruction: " + op)
	}
	self.builder.AddInstruction(p)
	return p
}

// NOP emits a single no-op, used to pad alignment-sensitive branch
// targets.
func (self *Assembler) NOP() *obj.Prog {
	p := self.newProg()
	p.As = obj.ANOP
	self.builder.AddInstruction(p)
	return p
}

// Mark opens a jump label at the current logical position, named by
// pc (a node id or pass index, whichever the caller is threading
// branches over).
func (self *Assembler) Mark(pc int) {
	self.i++
	self.Link(_LB_jump_pc + strconv.Itoa(pc))
}

// Link binds a label name to the current instruction position,
// resolving any branches emitted earlier via Sjmp against a
// then-unknown target.
func (self *Assembler) Link(to string) {
	to = self.substitute(to)
	if _, ok := self.labels[to]; ok {
		panic("asm: label " + to + " has already been linked")
	}
	p := self.newProg()
	p.As = obj.ANOP
	self.labels[to] = p
	self.builder.AddInstruction(p)

	if pending, ok := self.pendings[to]; ok {
		for _, j := range pending {
			j.To.Type = obj.TYPE_BRANCH
			j.To.Val = p
		}
		delete(self.pendings, to)
	}
}

// Sjmp emits a (possibly conditional) jump to a label, resolving
// immediately if the label is already linked or queuing the patch for
// when Link defines it.
func (self *Assembler) Sjmp(op string, to string) {
	to = self.substitute(to)
	p := self.newProg()
	p.As = As(op)
	p.To.Type = obj.TYPE_BRANCH
	if target, ok := self.labels[to]; ok {
		p.To.Val = target
	} else {
		self.pendings[to] = append(self.pendings[to], p)
	}
	self.builder.AddInstruction(p)
}

func (self *Assembler) substitute(to string) string {
	if strings.Contains(to, "{n}") {
		return strings.ReplaceAll(to, "{n}", strconv.Itoa(self.i))
	}
	return to
}

// Call emits a direct call to a host routine (used for the
// transcendental fallbacks of §4.3 that call into the runtime's
// libm-backed helpers rather than a pure-asm sequence).
func (self *Assembler) Call(fn obj.Addr) {
	self.To("CALL", fn)
}

// Ret emits a return instruction.
func (self *Assembler) Ret() {
	p := self.newProg()
	p.As = obj.ARET
	self.builder.AddInstruction(p)
}

// Size returns the length of the assembled code, valid only after
// Load has run.
func (self *Assembler) Size() int {
	return len(self.c)
}

// Load assembles the recorded instruction stream and maps it into an
// executable page, returning a callable pointer to its entry point.
// The mapping has no third-party analogue in this module's dependency
// set -- mmap'ing raw machine code is OS syscall territory, not a
// library concern -- so it goes through the standard library's
// syscall package directly.
func (self *Assembler) Load() (uintptr, error) {
	code, err := self.builder.Assemble()
	if err != nil {
		return 0, fmt.Errorf("asm: assemble failed: %w", err)
	}
	self.c = code

	page, err := syscall.Mmap(-1, 0, len(code), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return 0, fmt.Errorf("asm: mmap failed: %w", err)
	}
	copy(page, code)
	if err := syscall.Mprotect(page, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		syscall.Munmap(page)
		return 0, fmt.Errorf("asm: mprotect failed: %w", err)
	}
	self.page = page
	return uintptr(unsafe.Pointer(&page[0])), nil
}

// Unmap releases the executable page produced by a prior successful
// Load. Calling it before Load, or again after a successful call, is a
// no-op that returns nil.
func (self *Assembler) Unmap() error {
	if self.page == nil {
		return nil
	}
	page := self.page
	self.page = nil
	return syscall.Munmap(page)
}
