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

package backend

import (
	"testing"

	"github.com/da-roth/forge/ir"
)

func TestAllocatorPrefersEmptySlot(t *testing.T) {
	a := NewAllocator(4, 0, 3)
	r := a.Allocate()
	if r < 0 || r >= 4 {
		t.Fatalf("allocate returned out-of-range register %d", r)
	}
	a.SetRegister(r, 7, true)
	if a.FindNodeInRegister(7) != r {
		t.Fatalf("expected node 7 resident in register %d", r)
	}
}

func TestAllocatorEvictsSmallestLastUse(t *testing.T) {
	a := NewAllocator(2, 0, 1)
	r0 := a.Allocate()
	a.SetRegister(r0, 1, false)
	r1 := a.Allocate()
	a.SetRegister(r1, 2, false)

	// Both full now; touching r1 makes r0 the LRU victim.
	a.Touch(r1)
	victim := a.Allocate()
	if victim != r0 {
		t.Fatalf("expected LRU eviction of register %d, got %d", r0, victim)
	}
}

func TestAllocatorRespectsLockAndBlacklist(t *testing.T) {
	a := NewAllocator(2, 0, 1)
	a.Lock(0)
	a.Blacklist(1)
	r := a.AllocateAvoiding(nil)
	if r != -1 {
		t.Fatalf("expected no register available when all are locked/blacklisted, got %d", r)
	}
	a.Unlock(0)
	r = a.Allocate()
	if r != 0 {
		t.Fatalf("expected register 0 after unlock, got %d", r)
	}
}

func TestInvalidateVolatileClearsRangeOnly(t *testing.T) {
	a := NewAllocator(4, 0, 1)
	a.SetRegister(0, 10, true)
	a.SetRegister(1, 11, true)
	a.SetRegister(2, 12, true)
	a.InvalidateVolatile()
	if a.NodeInRegister(0) != ir.None || a.NodeInRegister(1) != ir.None {
		t.Fatal("expected volatile registers cleared")
	}
	if a.NodeInRegister(2) != 12 {
		t.Fatal("expected non-volatile register to survive invalidation")
	}
}

func TestAllocateAvoidingExcludesGivenSet(t *testing.T) {
	a := NewAllocator(3, 0, 2)
	r := a.AllocateAvoiding([]int{0, 1})
	if r != 2 {
		t.Fatalf("expected register 2, got %d", r)
	}
}
