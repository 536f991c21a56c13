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

// Package asm wraps golang-asm's amd64 backend with the register and
// operand helpers a kernel emitter needs, in the shape of the ARM64
// assembler this module's ambient JIT stack used to target (register
// name lookup through arch.Set, Addr-builder helpers, a BaseAssembler
// of label/branch primitives). Two things differ because the code
// this package emits is a raw System V kernel, not a Go-ABI function:
// there is no stack-map/Pcdata bookkeeping, and Load mmaps the
// assembled bytes directly instead of routing through the Go loader.
package asm

import (
	"unsafe"

	"github.com/twitchyliquid64/golang-asm/asm/arch"
	"github.com/twitchyliquid64/golang-asm/obj"
)

var (
	// _AC initializes the amd64 architecture tables golang-asm ships.
	_AC = arch.Set("amd64")
)

// General-purpose 64-bit registers, System V naming.
var (
	AX = Reg("AX")
	BX = Reg("BX")
	CX = Reg("CX")
	DX = Reg("DX")
	SI = Reg("SI")
	DI = Reg("DI")
	BP = Reg("BP")
	SP = Reg("SP")
	R8  = Reg("R8")
	R9  = Reg("R9")
	R10 = Reg("R10")
	R11 = Reg("R11")
	R12 = Reg("R12")
	R13 = Reg("R13")
	R14 = Reg("R14")
	R15 = Reg("R15")
)

// XMM0-XMM15: the SSE2 backend's entire register file.
var (
	X0  = Reg("X0")
	X1  = Reg("X1")
	X2  = Reg("X2")
	X3  = Reg("X3")
	X4  = Reg("X4")
	X5  = Reg("X5")
	X6  = Reg("X6")
	X7  = Reg("X7")
	X8  = Reg("X8")
	X9  = Reg("X9")
	X10 = Reg("X10")
	X11 = Reg("X11")
	X12 = Reg("X12")
	X13 = Reg("X13")
	X14 = Reg("X14")
	X15 = Reg("X15")
)

// YMM0-YMM15: the AVX2 backend's 4-wide register file. VEX-encoded
// mnemonics (VADDPD, VMULPD, ...) address these as Y-registers; the
// scalar SSE2 path never uses them.
var (
	Y0  = Reg("Y0")
	Y1  = Reg("Y1")
	Y2  = Reg("Y2")
	Y3  = Reg("Y3")
	Y4  = Reg("Y4")
	Y5  = Reg("Y5")
	Y6  = Reg("Y6")
	Y7  = Reg("Y7")
	Y8  = Reg("Y8")
	Y9  = Reg("Y9")
	Y10 = Reg("Y10")
	Y11 = Reg("Y11")
	Y12 = Reg("Y12")
	Y13 = Reg("Y13")
	Y14 = Reg("Y14")
	Y15 = Reg("Y15")
)

// Kernel calling convention (System V AMD64): the three ABI arguments
// of §6 -- values_ptr, gradients_ptr, node_count -- arrive in DI, SI,
// DX. The kernel has no return value.
var (
	ARG0 = DI
	ARG1 = SI
	ARG2 = DX
)

// Callee-saved registers a kernel's prologue/epilogue must preserve
// across the call, per the System V AMD64 ABI. R14 is deliberately
// excluded: the Go runtime reserves it as the current goroutine
// pointer (register ABIInternal's g register), and a kernel that
// calls back into a Go-implemented transcendental must leave it
// untouched rather than save-and-restore it.
var (
	CALLEE_SAVED_REGS = []obj.Addr{BX, BP, R12, R13, R15}
)

// Caller-saved (volatile) general-purpose registers; a kernel is free
// to clobber these without saving them.
var (
	CALLER_SAVED_REGS = []obj.Addr{AX, CX, DX, SI, DI, R8, R9, R10, R11}
)

// Reg resolves a golang-asm register name to its operand address.
func Reg(reg string) obj.Addr {
	if ret, ok := _AC.Register[reg]; ok {
		return obj.Addr{Reg: ret, Type: obj.TYPE_REG}
	}
	panic("invalid amd64 register name: " + reg)
}

// As resolves a Plan9-syntax mnemonic (e.g. "ADDSD", "VMULPD", "JNE")
// to the obj.As opcode golang-asm's amd64 backend expects.
func As(op string) obj.As {
	if as, ok := _AC.Instructions[op]; ok {
		return as
	}
	panic("invalid amd64 instruction mnemonic: " + op)
}

// Imm builds an immediate-constant operand.
func Imm(imm int64) obj.Addr {
	return obj.Addr{
		Type:   obj.TYPE_CONST,
		Offset: imm,
	}
}

// Ptr builds a [reg + offs] memory operand.
func Ptr(reg obj.Addr, offs int64) obj.Addr {
	return obj.Addr{
		Reg:    reg.Reg,
		Type:   obj.TYPE_MEM,
		Offset: offs,
	}
}

// OffsetReg builds a [base + index] memory operand with no scale or
// displacement, used for the indexed value/gradient-buffer loads of
// §4.6.
func OffsetReg(base, index obj.Addr) obj.Addr {
	return obj.Addr{
		Reg:   base.Reg,
		Index: index.Reg,
		Type:  obj.TYPE_MEM,
	}
}

// ImmPtr builds an immediate operand carrying a raw pointer value, used
// to bake a constant-pool or scratch-buffer address into the stream.
func ImmPtr(imm unsafe.Pointer) obj.Addr {
	return obj.Addr{
		Type:   obj.TYPE_CONST,
		Offset: int64(uintptr(imm)),
	}
}

// IsCalleeSaved reports whether reg must be preserved across a call per
// the System V AMD64 ABI.
func IsCalleeSaved(reg obj.Addr) bool {
	for _, r := range CALLEE_SAVED_REGS {
		if r.Reg == reg.Reg {
			return true
		}
	}
	return false
}

// IsCallerSaved reports whether reg may be clobbered by a call without
// saving it.
func IsCallerSaved(reg obj.Addr) bool {
	for _, r := range CALLER_SAVED_REGS {
		if r.Reg == reg.Reg {
			return true
		}
	}
	return false
}

// AlignStack rounds size up to the 16-byte boundary the System V ABI
// requires at a call site.
func AlignStack(size int64) int64 {
	if size%16 != 0 {
		return size + (16 - size%16)
	}
	return size
}

const (
	// STACK_ALIGNMENT is the ABI-mandated stack alignment in bytes.
	STACK_ALIGNMENT = 16
)
