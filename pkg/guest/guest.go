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

// Package guest provides access to guest memory.
package guest

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/hostarch"
)

// Memory is privileged access to guest memory: it is never subject to the
// page protection used to track guest accesses. Callers validate addresses;
// out-of-range accesses panic.
type Memory interface {
	// Read copies len(dst) bytes at addr into dst.
	Read(addr hostarch.Addr, dst []byte)

	// Write copies src to addr.
	Write(addr hostarch.Addr, src []byte)

	// Range returns the addresses backed by memory.
	Range() hostarch.AddrRange
}

// Bytes is Memory backed by a byte slice mapped at Base.
type Bytes struct {
	Base hostarch.Addr
	Data []byte
}

// NewBytes returns size bytes of zeroed memory at base.
func NewBytes(base hostarch.Addr, size uint64) *Bytes {
	return &Bytes{Base: base, Data: make([]byte, size)}
}

// Range returns the addresses covered by b.
func (b *Bytes) Range() hostarch.AddrRange {
	return b.Base.MustToRange(uint64(len(b.Data)))
}

func (b *Bytes) slice(addr hostarch.Addr, n int) []byte {
	ar, ok := addr.ToRange(uint64(n))
	if !ok || !b.Range().IsSupersetOf(ar) {
		panic(fmt.Sprintf("guest access %v is outside memory %v", ar, b.Range()))
	}
	off := uint64(addr - b.Base)
	return b.Data[off : off+uint64(n)]
}

// Read implements Memory.Read.
func (b *Bytes) Read(addr hostarch.Addr, dst []byte) {
	copy(dst, b.slice(addr, len(dst)))
}

// Write implements Memory.Write.
func (b *Bytes) Write(addr hostarch.Addr, src []byte) {
	copy(b.slice(addr, len(src)), src)
}

// SegvError is returned when a guest access faults and the fault is not
// resolved.
type SegvError struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the type of the faulting access.
	Access hostarch.AccessType
}

// Error implements error.Error.
func (e *SegvError) Error() string {
	return fmt.Sprintf("unresolved %s fault at %v", e.Access, e.Addr)
}
