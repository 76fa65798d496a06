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

// Package device defines the GPU operations the buffer cache depends on.
//
// Transfers are asynchronous: each returns a Fence that is signalled once the
// transfer has executed. Transfers execute in submission order.
package device

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// ErrOutOfMemory is returned by Allocate when the device cannot satisfy an
// allocation.
var ErrOutOfMemory = errors.New("device out of memory")

// Handle identifies a device allocation. The zero Handle is never returned by
// Allocate.
type Handle uint64

// Fence identifies a submitted operation. Fences increase monotonically in
// submission order, and waiting on a Fence also waits on every earlier one.
type Fence uint64

// Device is a GPU that owns buffer memory.
type Device interface {
	// Allocate returns a new zeroed allocation of size bytes.
	Allocate(size uint64, usage gputypes.BufferUsage) (Handle, error)

	// Free releases h. Transfers submitted earlier still complete.
	Free(h Handle)

	// Upload copies src into h at offset. src may be reused as soon as Upload
	// returns.
	Upload(h Handle, offset uint64, src []byte) Fence

	// Download copies len(dst) bytes of h at offset into dst. dst must not be
	// accessed until the returned Fence completes.
	Download(h Handle, offset uint64, dst []byte) Fence

	// CopyBuffer copies size bytes from src at srcOffset to dst at dstOffset.
	CopyBuffer(src Handle, srcOffset uint64, dst Handle, dstOffset uint64, size uint64) Fence

	// WaitForCompletion blocks until f, and every operation submitted before
	// it, has executed.
	WaitForCompletion(f Fence)
}
