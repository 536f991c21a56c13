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

import "github.com/da-roth/forge/ir"

// Allocator is the shared register-allocator template of §3/§4.3: a
// flat, per-register array of {content, locked, dirty, lastUse,
// blacklisted}. A backend supplies only the physical register count
// and the volatile range (the slice of registers an external call may
// clobber); the allocation policy itself — prefer an empty slot,
// otherwise evict the non-locked, non-blacklisted slot with the
// smallest lastUse — is identical across backends.
//
// Allocator carries no graph and lives only for the duration of one
// compilation (§5 "per-compilation values with no shared state"); it is
// not safe for concurrent use.
type Allocator struct {
	content     []ir.NodeID
	locked      []bool
	dirty       []bool
	lastUse     []uint64
	blacklisted []bool
	clock       uint64

	firstVolatile int
	lastVolatile  int
}

// NewAllocator returns an allocator for n physical registers, with
// [firstVolatile, lastVolatile] (inclusive) the range InvalidateVolatile
// clears after an external call.
func NewAllocator(n, firstVolatile, lastVolatile int) *Allocator {
	a := &Allocator{
		content:       make([]ir.NodeID, n),
		locked:        make([]bool, n),
		dirty:         make([]bool, n),
		lastUse:       make([]uint64, n),
		blacklisted:   make([]bool, n),
		firstVolatile: firstVolatile,
		lastVolatile:  lastVolatile,
	}
	a.Clear()
	return a
}

// Clear resets every slot to empty, unlocked, clean. Blacklist state
// is preserved across Clear since it is a permanent per-compilation
// exclusion, set up once right after NewAllocator.
func (a *Allocator) Clear() {
	for i := range a.content {
		a.content[i] = ir.None
		a.locked[i] = false
		a.dirty[i] = false
		a.lastUse[i] = 0
	}
	a.clock = 0
}

// NumRegisters returns the physical register count this allocator was
// constructed with.
func (a *Allocator) NumRegisters() int {
	return len(a.content)
}

// Lock pins reg across a multi-instruction sequence so Allocate will
// never evict it.
func (a *Allocator) Lock(reg int) {
	if a.inRange(reg) {
		a.locked[reg] = true
	}
}

// Unlock releases a previous Lock.
func (a *Allocator) Unlock(reg int) {
	if a.inRange(reg) {
		a.locked[reg] = false
	}
}

// Blacklist permanently excludes reg from allocation for the rest of
// this compilation (§4.3: the AVX2 backend blacklists its top two
// registers).
func (a *Allocator) Blacklist(reg int) {
	if a.inRange(reg) {
		a.blacklisted[reg] = true
	}
}

// FindNodeInRegister returns the register currently holding node, or -1
// if node is not resident in any register.
func (a *Allocator) FindNodeInRegister(node ir.NodeID) int {
	for i, c := range a.content {
		if c == node {
			return i
		}
	}
	return -1
}

// SetRegister records that reg now holds node, touching its lastUse and
// setting its dirty bit per isDirty.
func (a *Allocator) SetRegister(reg int, node ir.NodeID, isDirty bool) {
	if !a.inRange(reg) {
		return
	}
	a.content[reg] = node
	a.dirty[reg] = isDirty
	a.touch(reg)
}

// NodeInRegister returns the node id held by reg, or ir.None if empty.
func (a *Allocator) NodeInRegister(reg int) ir.NodeID {
	if !a.inRange(reg) {
		return ir.None
	}
	return a.content[reg]
}

// MarkDirty/MarkClean/IsDirty track whether reg's contents have been
// written back to its value slot yet (§4.4.1 step 5: "mark the slot
// dirty otherwise").
func (a *Allocator) MarkDirty(reg int) {
	if a.inRange(reg) {
		a.dirty[reg] = true
	}
}

func (a *Allocator) MarkClean(reg int) {
	if a.inRange(reg) {
		a.dirty[reg] = false
	}
}

func (a *Allocator) IsDirty(reg int) bool {
	return a.inRange(reg) && a.dirty[reg]
}

// Touch bumps reg's lastUse to the current logical clock, marking it as
// most-recently-used without changing its contents.
func (a *Allocator) Touch(reg int) {
	a.touch(reg)
}

func (a *Allocator) touch(reg int) {
	a.clock++
	a.lastUse[reg] = a.clock
}

// Allocate returns a free register, preferring an empty non-blacklisted
// slot; failing that, it evicts the non-locked, non-blacklisted slot
// with the smallest lastUse.
func (a *Allocator) Allocate() int {
	return a.AllocateAvoiding(nil)
}

// AllocateAvoiding is Allocate but every register index in avoid is
// treated as blacklisted for this call only.
func (a *Allocator) AllocateAvoiding(avoid []int) int {
	disallow := func(i int) bool {
		if a.locked[i] || a.blacklisted[i] {
			return true
		}
		for _, v := range avoid {
			if v == i {
				return true
			}
		}
		return false
	}

	for i := range a.content {
		if a.content[i] == ir.None && !disallow(i) {
			a.touch(i)
			return i
		}
	}

	victim := -1
	var victimUse uint64
	for i := range a.content {
		if disallow(i) {
			continue
		}
		if victim == -1 || a.lastUse[i] < victimUse {
			victim = i
			victimUse = a.lastUse[i]
		}
	}
	if victim == -1 {
		// Every register is locked or blacklisted; the caller asked for
		// more concurrent live values than physically exist.
		return -1
	}
	a.content[victim] = ir.None
	a.dirty[victim] = false
	a.touch(victim)
	return victim
}

// InvalidateVolatile clears every register in the ABI's volatile range,
// called immediately after any emitted call to an external routine
// (§5 "Volatile-register invalidation ... a correctness requirement").
func (a *Allocator) InvalidateVolatile() {
	for i := a.firstVolatile; i <= a.lastVolatile && i < len(a.content); i++ {
		a.content[i] = ir.None
		a.dirty[i] = false
	}
}

func (a *Allocator) inRange(reg int) bool {
	return reg >= 0 && reg < len(a.content)
}
