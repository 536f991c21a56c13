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
	"unsafe"

	"github.com/twitchyliquid64/golang-asm/obj"
)

func TestAMD64RegisterCreation(t *testing.T) {
	tests := []struct {
		name     string
		register string
		expected bool
	}{
		{"AX", "AX", true},
		{"R8", "R8", true},
		{"R15", "R15", true},
		{"X0", "X0", true},
		{"X15", "X15", true},
		{"Y0", "Y0", true},
		{"Y15", "Y15", true},
		{"SP", "SP", true},
		{"Invalid", "ZZZ", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r != nil && tt.expected {
					t.Errorf("expected register %s to be valid, got panic: %v", tt.register, r)
				}
				if r == nil && !tt.expected {
					t.Errorf("expected register %s to be invalid", tt.register)
				}
			}()

			reg := Reg(tt.register)
			if tt.expected && reg.Type != obj.TYPE_REG {
				t.Errorf("expected register type TYPE_REG, got %v", reg.Type)
			}
		})
	}
}

func TestAMD64InstructionLookup(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("expected ADDSD to resolve, got panic: %v", r)
		}
	}()
	if As("ADDSD") == 0 {
		t.Error("expected a non-zero opcode for ADDSD")
	}
}

func TestAMD64InstructionLookupPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for unknown mnemonic")
		}
	}()
	As("NOTAREALOPCODE")
}

func TestAMD64ImmediateCreation(t *testing.T) {
	imm := Imm(42)
	if imm.Type != obj.TYPE_CONST {
		t.Errorf("expected TYPE_CONST, got %v", imm.Type)
	}
	if imm.Offset != 42 {
		t.Errorf("expected offset 42, got %d", imm.Offset)
	}
}

func TestAMD64PointerCreation(t *testing.T) {
	ptr := Ptr(AX, 8)
	if ptr.Type != obj.TYPE_MEM {
		t.Errorf("expected TYPE_MEM, got %v", ptr.Type)
	}
	if ptr.Reg != AX.Reg {
		t.Errorf("expected base register %v, got %v", AX.Reg, ptr.Reg)
	}
	if ptr.Offset != 8 {
		t.Errorf("expected offset 8, got %d", ptr.Offset)
	}
}

func TestAMD64OffsetRegisterCreation(t *testing.T) {
	offsetReg := OffsetReg(DI, SI)
	if offsetReg.Type != obj.TYPE_MEM {
		t.Errorf("expected TYPE_MEM, got %v", offsetReg.Type)
	}
	if offsetReg.Reg != DI.Reg {
		t.Errorf("expected base register %v, got %v", DI.Reg, offsetReg.Reg)
	}
	if offsetReg.Index != SI.Reg {
		t.Errorf("expected index register %v, got %v", SI.Reg, offsetReg.Index)
	}
}

func TestAMD64ImmediatePointer(t *testing.T) {
	testValue := uintptr(0x12345678)
	immPtr := ImmPtr(unsafe.Pointer(testValue))
	if immPtr.Type != obj.TYPE_CONST {
		t.Errorf("expected TYPE_CONST, got %v", immPtr.Type)
	}
	if immPtr.Offset != int64(testValue) {
		t.Errorf("expected offset %d, got %d", testValue, immPtr.Offset)
	}
}

func TestAMD64KernelArgumentRegisters(t *testing.T) {
	if ARG0.Reg != DI.Reg {
		t.Errorf("expected ARG0 == DI, got %v", ARG0.Reg)
	}
	if ARG1.Reg != SI.Reg {
		t.Errorf("expected ARG1 == SI, got %v", ARG1.Reg)
	}
	if ARG2.Reg != DX.Reg {
		t.Errorf("expected ARG2 == DX, got %v", ARG2.Reg)
	}
}

func TestAMD64CalleeSavedExcludesGoroutineRegister(t *testing.T) {
	if IsCalleeSaved(R14) {
		t.Error("R14 must never be treated as callee-saved: it is the Go runtime's goroutine pointer")
	}
	for _, r := range []obj.Addr{BX, BP, R12, R13, R15} {
		if !IsCalleeSaved(r) {
			t.Errorf("expected %v to be callee-saved", r.Reg)
		}
	}
}

func TestAMD64CallerSavedRegisters(t *testing.T) {
	for _, r := range []obj.Addr{AX, CX, DX, SI, DI, R8, R9, R10, R11} {
		if !IsCallerSaved(r) {
			t.Errorf("expected %v to be caller-saved", r.Reg)
		}
	}
	if IsCallerSaved(BX) {
		t.Error("BX is callee-saved, not caller-saved")
	}
}

func TestAMD64StackAlignment(t *testing.T) {
	tests := []struct {
		size     int64
		expected int64
	}{
		{0, 0},
		{16, 16},
		{8, 16},
		{192, 192},
		{1, 16},
	}

	for _, tt := range tests {
		aligned := AlignStack(tt.size)
		if aligned != tt.expected {
			t.Errorf("AlignStack(%d) = %d, expected %d", tt.size, aligned, tt.expected)
		}
		if aligned%STACK_ALIGNMENT != 0 {
			t.Errorf("AlignStack(%d) = %d is not 16-byte aligned", tt.size, aligned)
		}
	}
}

func BenchmarkAMD64Reg(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Reg("AX")
	}
}

func BenchmarkAMD64Imm(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Imm(42)
	}
}

func BenchmarkAMD64IsCalleeSaved(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = IsCalleeSaved(BX)
	}
}
