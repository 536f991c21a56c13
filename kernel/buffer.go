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

const bufferAlignment = 32

// Buffer is the value/gradient storage a compiled Kernel reads and
// writes (§4.6). Node id N's lane group lives at `[N*lanes, N*lanes+lanes)`
// in both slices; the constant pool occupies the lane groups
// immediately past the highest node id, addressed by the emitter the
// same way a value slot is (backend.EmitLoadFromConstantPool).
//
// A Buffer is sized for one Kernel and must not be shared between
// concurrent Evaluate calls on that Kernel — the reentrancy the kernel
// promises holds only across disjoint buffers.
type Buffer struct {
	values    []float64
	gradients []float64
	lanes     int
	nodeCount int
}

// NewBuffer allocates a buffer sized for meta, broadcasting meta's
// constant pool into its reserved lane groups. withGradients controls
// whether the gradient slice is allocated at all — a pure-forward
// kernel is entitled to call Evaluate with a nil gradients pointer, and
// there is no reason to pay for the allocation it will never touch.
func NewBuffer(meta Metadata, withGradients bool) *Buffer {
	lanes := meta.VectorWidth
	total := int(meta.HighestNodeID+1) + len(meta.ConstPool)

	b := &Buffer{
		values:    newAligned(total * lanes),
		lanes:     lanes,
		nodeCount: int(meta.HighestNodeID + 1),
	}
	if withGradients {
		b.gradients = newAligned(total * lanes)
	}
	for i, v := range meta.ConstPool {
		node := b.nodeCount + i
		for lane := 0; lane < lanes; lane++ {
			b.values[node*lanes+lane] = v
		}
	}
	return b
}

// newAligned returns a float64 slice of n elements whose backing array
// starts on a bufferAlignment-byte boundary, by over-allocating and
// slicing past the misalignment (the Go allocator gives no alignment
// guarantee finer than its size-class rounding, which is not reliably
// 32-byte for the sizes these buffers take).
func newAligned(n int) []float64 {
	if n == 0 {
		n = 1 // avoid a zero-length backing array with no valid base address
	}
	const elemsPerAlign = bufferAlignment / 8
	raw := make([]float64, n+elemsPerAlign-1)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + bufferAlignment - 1) &^ (bufferAlignment - 1)
	offset := int((aligned - base) / 8)
	return raw[offset : offset+n : offset+n]
}

// SetValue writes v into every lane of node's value slot.
func (b *Buffer) SetValue(node uint32, v float64) {
	base := int(node) * b.lanes
	for lane := 0; lane < b.lanes; lane++ {
		b.values[base+lane] = v
	}
}

// GetValue reads lane 0 of node's value slot.
func (b *Buffer) GetValue(node uint32) float64 {
	return b.values[int(node)*b.lanes]
}

// SetValueAt writes v into lane's slot of node's value group, for
// SIMD-batched evaluation where each lane carries an independent input.
func (b *Buffer) SetValueAt(node uint32, lane int, v float64) {
	b.values[int(node)*b.lanes+lane] = v
}

// GetValueAt reads lane's slot of node's value group.
func (b *Buffer) GetValueAt(node uint32, lane int) float64 {
	return b.values[int(node)*b.lanes+lane]
}

// ClearGradients zeroes the entire gradient slice; the reverse pass
// accumulates onto whatever is already there, so stale gradients from a
// prior Evaluate call must be cleared before the next one unless the
// caller intends to add to them.
func (b *Buffer) ClearGradients() {
	for i := range b.gradients {
		b.gradients[i] = 0
	}
}

// GetGradient reads lane 0 of node's gradient slot.
func (b *Buffer) GetGradient(node uint32) float64 {
	return b.gradients[int(node)*b.lanes]
}

// GetGradientAt reads lane's slot of node's gradient group.
func (b *Buffer) GetGradientAt(node uint32, lane int) float64 {
	return b.gradients[int(node)*b.lanes+lane]
}

// valuesPtr and gradientsPtr hand the raw base addresses to the
// kernel's call trampoline. gradientsPtr is nil when the buffer was
// built without a gradient slice, satisfying the ABI's "gradients may
// be null for pure-forward kernels" contract.
func (b *Buffer) valuesPtr() unsafe.Pointer {
	return unsafe.Pointer(&b.values[0])
}

func (b *Buffer) gradientsPtr() unsafe.Pointer {
	if len(b.gradients) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.gradients[0])
}
