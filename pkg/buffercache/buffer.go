// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buffercache

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/device"
	"gpumirror.dev/gpumirror/pkg/hostarch"
)

// BufferID identifies a live Buffer in a Cache.
type BufferID uint32

// NullBufferID is never assigned to a Buffer. Page table entries holding it
// are unbacked.
const NullBufferID BufferID = 0

// Buffer is a device allocation mirroring the guest range [Start, End).
// Buffers are page-aligned and owned by their Cache, which frees their device
// memory when they are deleted.
type Buffer struct {
	// ar is the mirrored guest range. It is immutable.
	ar hostarch.AddrRange

	// handle is the device allocation. It is immutable.
	handle device.Handle

	// streamScore counts the buffers joined into this one, transitively. It
	// is protected by Cache.mu.
	streamScore int
}

// Start returns the first guest address mirrored by b.
func (b *Buffer) Start() hostarch.Addr {
	return b.ar.Start
}

// Size returns the size of b in bytes.
func (b *Buffer) Size() uint64 {
	return b.ar.Length()
}

// Range returns the guest range mirrored by b.
func (b *Buffer) Range() hostarch.AddrRange {
	return b.ar
}

// Handle returns the device allocation backing b.
func (b *Buffer) Handle() device.Handle {
	return b.handle
}

// StreamScore returns the usage score of b, used to detect buffers that keep
// growing.
func (b *Buffer) StreamScore() int {
	return b.streamScore
}

// Offset returns the offset of addr in b.
//
// Preconditions: b.Range().Contains(addr).
func (b *Buffer) Offset(addr hostarch.Addr) uint64 {
	if !b.ar.Contains(addr) {
		panic(fmt.Sprintf("address %v is outside buffer %v", addr, b.ar))
	}
	return uint64(addr - b.ar.Start)
}

// IsInBounds returns true if b mirrors every address of ar.
func (b *Buffer) IsInBounds(ar hostarch.AddrRange) bool {
	return b.ar.IsSupersetOf(ar)
}

// String implements fmt.Stringer.String.
func (b *Buffer) String() string {
	return fmt.Sprintf("buffer%v(handle=%d)", b.ar, b.handle)
}
