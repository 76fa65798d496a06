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

// Package hostdev implements device.Device in host memory. Commands execute on
// a single worker goroutine in submission order, like a GPU queue.
package hostdev

import (
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"gpumirror.dev/gpumirror/pkg/device"
	"gpumirror.dev/gpumirror/pkg/log"
	"gpumirror.dev/gpumirror/pkg/metric"
	"gpumirror.dev/gpumirror/pkg/sync"
)

// allocatedBytes is the number of bytes allocated by all Devices.
var allocatedBytes atomic.Uint64

func init() {
	metric.MustRegisterCustomUint64Metric("/hostdev/allocated_bytes", false, "Bytes allocated by host memory devices.", allocatedBytes.Load)
}

// queueDepth is the number of commands that may be pending before submission
// blocks.
const queueDepth = 256

type command struct {
	fence device.Fence
	run   func()
}

type allocation struct {
	data  []byte
	usage gputypes.BufferUsage
}

// Device is a host memory device.
type Device struct {
	// capacity is the maximum number of allocated bytes, or 0 for no limit.
	// It is immutable.
	capacity uint64

	mu sync.Mutex

	// +checklocks:mu
	allocations map[device.Handle]allocation

	// +checklocks:mu
	lastHandle device.Handle

	// +checklocks:mu
	allocated uint64

	// submitMu orders fence assignment with queue insertion.
	submitMu sync.BlockingMutex

	// +checklocks:submitMu
	lastFence device.Fence

	// +checklocks:submitMu
	closed bool

	queue chan command
	done  chan struct{}

	// fenceMu protects completed. It is never held together with submitMu.
	fenceMu   sync.BlockingMutex
	fenceCond *sync.Cond

	// +checklocks:fenceMu
	completed device.Fence
}

// New returns a Device limited to capacity allocated bytes, or unlimited if
// capacity is 0. The Device must be closed to stop its worker.
func New(capacity uint64) *Device {
	d := &Device{
		capacity:    capacity,
		allocations: make(map[device.Handle]allocation),
		queue:       make(chan command, queueDepth),
		done:        make(chan struct{}),
	}
	d.fenceCond = sync.NewCond(&d.fenceMu)
	go d.run()
	return d
}

func (d *Device) run() {
	defer close(d.done)
	for cmd := range d.queue {
		cmd.run()
		d.fenceMu.Lock()
		d.completed = cmd.fence
		d.fenceCond.Broadcast()
		d.fenceMu.Unlock()
	}
}

// Close waits for every submitted command and stops the worker. The Device
// must not be used afterwards.
func (d *Device) Close() {
	d.submitMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.submitMu.Unlock()
	<-d.done
}

func (d *Device) submit(run func()) device.Fence {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if d.closed {
		panic("hostdev: command submitted to a closed device")
	}
	d.lastFence++
	d.queue <- command{fence: d.lastFence, run: run}
	return d.lastFence
}

// span returns the bytes [offset, offset+size) of h.
func (d *Device) span(h device.Handle, offset, size uint64) []byte {
	d.mu.Lock()
	a, ok := d.allocations[h]
	d.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("hostdev: unknown buffer handle %d", h))
	}
	if end := offset + size; end < offset || end > uint64(len(a.data)) {
		panic(fmt.Sprintf("hostdev: range [%#x, %#x) is outside buffer %d of size %#x", offset, offset+size, h, len(a.data)))
	}
	return a.data[offset : offset+size]
}

// Allocate implements device.Device.Allocate.
func (d *Device) Allocate(size uint64, usage gputypes.BufferUsage) (device.Handle, error) {
	if size == 0 {
		panic("hostdev: zero-sized allocation")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity != 0 && d.allocated+size > d.capacity {
		return 0, fmt.Errorf("allocating %#x bytes with %#x of %#x in use: %w", size, d.allocated, d.capacity, device.ErrOutOfMemory)
	}
	d.lastHandle++
	d.allocations[d.lastHandle] = allocation{data: make([]byte, size), usage: usage}
	d.allocated += size
	allocatedBytes.Add(size)
	if log.IsLogging(log.Debug) {
		log.Debugf("hostdev: allocated buffer %d of %#x bytes, usage %v", d.lastHandle, size, usage)
	}
	return d.lastHandle, nil
}

// Free implements device.Device.Free.
//
// Commands already submitted hold their own reference to the memory, so the
// handle can be released immediately.
func (d *Device) Free(h device.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocations[h]
	if !ok {
		panic(fmt.Sprintf("hostdev: freeing unknown buffer handle %d", h))
	}
	delete(d.allocations, h)
	d.allocated -= uint64(len(a.data))
	allocatedBytes.Add(-uint64(len(a.data)))
}

// Upload implements device.Device.Upload.
func (d *Device) Upload(h device.Handle, offset uint64, src []byte) device.Fence {
	dst := d.span(h, offset, uint64(len(src)))
	data := append([]byte(nil), src...)
	return d.submit(func() { copy(dst, data) })
}

// Download implements device.Device.Download.
func (d *Device) Download(h device.Handle, offset uint64, dst []byte) device.Fence {
	src := d.span(h, offset, uint64(len(dst)))
	return d.submit(func() { copy(dst, src) })
}

// CopyBuffer implements device.Device.CopyBuffer.
func (d *Device) CopyBuffer(src device.Handle, srcOffset uint64, dst device.Handle, dstOffset uint64, size uint64) device.Fence {
	from := d.span(src, srcOffset, size)
	to := d.span(dst, dstOffset, size)
	return d.submit(func() { copy(to, from) })
}

// Execute simulates a shader writing data into h at offset.
func (d *Device) Execute(h device.Handle, offset uint64, data []byte) device.Fence {
	return d.Upload(h, offset, data)
}

// WaitForCompletion implements device.Device.WaitForCompletion.
func (d *Device) WaitForCompletion(f device.Fence) {
	d.fenceMu.Lock()
	defer d.fenceMu.Unlock()
	for d.completed < f {
		d.fenceCond.Wait()
	}
}

// Contents returns a copy of the bytes of h after every submitted command has
// executed.
func (d *Device) Contents(h device.Handle) []byte {
	d.mu.Lock()
	a, ok := d.allocations[h]
	d.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("hostdev: unknown buffer handle %d", h))
	}
	out := make([]byte, len(a.data))
	d.WaitForCompletion(d.Download(h, 0, out))
	return out
}

// Usage returns the usage flags h was allocated with.
func (d *Device) Usage(h device.Handle) gputypes.BufferUsage {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.allocations[h]
	if !ok {
		panic(fmt.Sprintf("hostdev: unknown buffer handle %d", h))
	}
	return a.usage
}

// Allocated returns the number of bytes currently allocated.
func (d *Device) Allocated() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// NumBuffers returns the number of live allocations.
func (d *Device) NumBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocations)
}
