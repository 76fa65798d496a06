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

// Package devicetest provides a device.Device wrapper for tests.
package devicetest

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"gpumirror.dev/gpumirror/pkg/device"
	"gpumirror.dev/gpumirror/pkg/sync"
)

// Op is a kind of device operation.
type Op string

// Recorded operations.
const (
	OpAllocate Op = "allocate"
	OpFree     Op = "free"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpCopy     Op = "copy"
	OpWait     Op = "wait"
)

// Event is one recorded operation.
type Event struct {
	Op     Op
	Handle device.Handle

	// Offset and Size describe the transferred bytes. For copies, Offset is
	// the destination offset.
	Offset uint64
	Size   uint64

	// Fence is the fence returned by a transfer or waited on by OpWait.
	Fence device.Fence
}

// String implements fmt.Stringer.String.
func (e Event) String() string {
	return fmt.Sprintf("%s(h=%d, [%#x, +%#x), fence=%d)", e.Op, e.Handle, e.Offset, e.Size, e.Fence)
}

// Recorder forwards every call to a device and records it. Wait events are
// recorded after the wait returned.
type Recorder struct {
	dev device.Device

	mu     sync.Mutex
	events []Event
}

// NewRecorder returns a Recorder wrapping dev.
func NewRecorder(dev device.Device) *Recorder {
	return &Recorder{dev: dev}
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the events recorded since the last Reset.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of op.
func (r *Recorder) Count(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Allocate implements device.Device.Allocate.
func (r *Recorder) Allocate(size uint64, usage gputypes.BufferUsage) (device.Handle, error) {
	h, err := r.dev.Allocate(size, usage)
	if err == nil {
		r.record(Event{Op: OpAllocate, Handle: h, Size: size})
	}
	return h, err
}

// Free implements device.Device.Free.
func (r *Recorder) Free(h device.Handle) {
	r.dev.Free(h)
	r.record(Event{Op: OpFree, Handle: h})
}

// Upload implements device.Device.Upload.
func (r *Recorder) Upload(h device.Handle, offset uint64, src []byte) device.Fence {
	f := r.dev.Upload(h, offset, src)
	r.record(Event{Op: OpUpload, Handle: h, Offset: offset, Size: uint64(len(src)), Fence: f})
	return f
}

// Download implements device.Device.Download.
func (r *Recorder) Download(h device.Handle, offset uint64, dst []byte) device.Fence {
	f := r.dev.Download(h, offset, dst)
	r.record(Event{Op: OpDownload, Handle: h, Offset: offset, Size: uint64(len(dst)), Fence: f})
	return f
}

// CopyBuffer implements device.Device.CopyBuffer.
func (r *Recorder) CopyBuffer(src device.Handle, srcOffset uint64, dst device.Handle, dstOffset uint64, size uint64) device.Fence {
	f := r.dev.CopyBuffer(src, srcOffset, dst, dstOffset, size)
	r.record(Event{Op: OpCopy, Handle: dst, Offset: dstOffset, Size: size, Fence: f})
	return f
}

// WaitForCompletion implements device.Device.WaitForCompletion.
func (r *Recorder) WaitForCompletion(f device.Fence) {
	r.dev.WaitForCompletion(f)
	r.record(Event{Op: OpWait, Fence: f})
}
