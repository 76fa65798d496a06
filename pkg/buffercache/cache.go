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

// Package buffercache mirrors ranges of guest memory into device buffers.
//
// A Cache hands out device buffers covering requested guest ranges, merging
// overlapping buffers into one, and uses a tracker.Tracker to move only the
// pages that changed on either side: guest writes are uploaded before a
// buffer is handed out again, and device writes are downloaded before the
// guest reads them.
//
// Lock order:
//
//	Cache.mu
//	  Cache.transferMu
//	    tracker.Region.mu
//	      pageprot.Watchers.mu
package buffercache

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"gpumirror.dev/gpumirror/pkg/device"
	"gpumirror.dev/gpumirror/pkg/guest"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/log"
	"gpumirror.dev/gpumirror/pkg/pagetable"
	"gpumirror.dev/gpumirror/pkg/sync"
	"gpumirror.dev/gpumirror/pkg/tracker"
)

// Defaults for Options.
const (
	DefaultStreamLeapFactor     = 8
	DefaultStreamScoreThreshold = 16
	DefaultStreamPadPages       = 128
)

// DefaultUsage is the usage requested for every buffer unless overridden.
const DefaultUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageVertex |
	gputypes.BufferUsageUniform | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// Options configures a Cache. Zero fields take their defaults.
type Options struct {
	// StreamLeapFactor bounds how much larger than a request a merged buffer
	// may be. A request whose overlaps would merge into a buffer more than
	// StreamLeapFactor times its size evicts the overlaps instead.
	StreamLeapFactor uint64

	// StreamScoreThreshold is the summed join count of the overlaps above
	// which a request is treated as a growing stream.
	StreamScoreThreshold int

	// StreamPadPages is the number of pages a stream buffer is padded by.
	StreamPadPages uint64

	// Usage is passed to device.Device.Allocate.
	Usage gputypes.BufferUsage
}

func (o *Options) setDefaults() {
	if o.StreamLeapFactor == 0 {
		o.StreamLeapFactor = DefaultStreamLeapFactor
	}
	if o.StreamScoreThreshold == 0 {
		o.StreamScoreThreshold = DefaultStreamScoreThreshold
	}
	if o.StreamPadPages == 0 {
		o.StreamPadPages = DefaultStreamPadPages
	}
	if o.Usage == 0 {
		o.Usage = DefaultUsage
	}
}

// Cache is a cache of device buffers mirroring guest memory.
//
// Cache implements pageprot.FaultHandler.
type Cache struct {
	opts    Options
	dev     device.Device
	mem     guest.Memory
	tracker *tracker.Tracker

	// mu is held for reading by lookups, transfers and the fast path of
	// ObtainBuffer, and for writing while buffers are created or deleted.
	mu sync.RWMutex

	// transferMu serializes data movement between guest memory and buffers,
	// so that clearing a dirty bit and moving the data it covers appear
	// atomic to other transfers.
	transferMu sync.BlockingMutex

	// +checklocks:mu
	buffers slots

	// pageTable maps each registered page to the buffer covering it. Entries
	// are protected by mu.
	pageTable *pagetable.Table[BufferID]

	// gpuModified holds the exact byte ranges written by the device and not
	// yet downloaded. It is protected by transferMu.
	gpuModified *rangeSet
}

// New returns a Cache allocating from dev, mirroring mem, and recording dirty
// state in tr.
func New(dev device.Device, mem guest.Memory, tr *tracker.Tracker, opts Options) *Cache {
	opts.setDefaults()
	return &Cache{
		opts:        opts,
		dev:         dev,
		mem:         mem,
		tracker:     tr,
		pageTable:   new(pagetable.Table[BufferID]),
		gpuModified: newRangeSet(),
	}
}

// checkRequest panics if [addr, addr+size) is empty or outside the tracked
// address space, and returns the range otherwise.
func checkRequest(addr hostarch.Addr, size uint64) hostarch.AddrRange {
	if size == 0 {
		panic(fmt.Sprintf("zero-sized request at %v", addr))
	}
	ar, ok := addr.ToRange(size)
	if !ok || ar.End > tracker.AddressSpaceEnd {
		panic(fmt.Sprintf("request [%v, +%#x) is outside the %d-bit address space", addr, size, tracker.AddressSpaceBits))
	}
	return ar
}

// ObtainBuffer returns a buffer covering [addr, addr+size) whose contents are
// up to date with guest memory, and the offset of addr in it. If isWritten is
// set, the range is recorded as written by the device.
func (c *Cache) ObtainBuffer(addr hostarch.Addr, size uint64, isWritten bool) (*Buffer, uint64) {
	ar := checkRequest(addr, size)
	aligned := ar.RoundOut()

	c.mu.RLock()
	if _, b := c.covering(aligned); b != nil {
		c.prepare(b, ar, isWritten)
		c.mu.RUnlock()
		return b, b.Offset(addr)
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// The buffer may have been created while mu was released.
	_, b := c.covering(aligned)
	if b == nil {
		b = c.createBuffer(aligned)
	}
	c.prepare(b, ar, isWritten)
	return b, b.Offset(addr)
}

// prepare uploads the guest changes to b and records the device write of ar
// if isWritten is set.
//
// Preconditions: c.mu is locked.
func (c *Cache) prepare(b *Buffer, ar hostarch.AddrRange, isWritten bool) {
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	c.synchronizeBuffer(b)
	if isWritten {
		c.gpuModified.Add(ar)
		c.tracker.ChangeState(tracker.GPU, true, ar)
	}
}

// covering returns the buffer registered at the first page of aligned if it
// covers all of aligned.
//
// Preconditions: c.mu is locked.
func (c *Cache) covering(aligned hostarch.AddrRange) (BufferID, *Buffer) {
	id := c.pageTable.Get(aligned.Start.PageIndex())
	if id == NullBufferID {
		return NullBufferID, nil
	}
	b := c.buffers.get(id)
	if !b.IsInBounds(aligned) {
		return NullBufferID, nil
	}
	return id, b
}

// createBuffer creates and registers a buffer covering aligned and every
// buffer it overlaps, which are joined into it. It returns the new buffer.
//
// Preconditions: c.mu is locked for writing.
func (c *Cache) createBuffer(aligned hostarch.AddrRange) *Buffer {
	ov := c.resolveOverlaps(aligned)
	if ov.StreamLeap {
		if log.IsLogging(log.Debug) {
			log.Debugf("buffercache: %v leaps over %d buffers in %v, evicting them", aligned, len(ov.IDs), ov.Range())
		}
		streamLeaps.Increment()
		for _, id := range ov.IDs {
			c.evictLocked(id)
		}
		ov = OverlapResult{Begin: aligned.Start, End: aligned.End}
	}

	ar := ov.Range()
	h, err := c.dev.Allocate(ar.Length(), c.opts.Usage)
	if err != nil {
		panic(fmt.Sprintf("allocating buffer for %v: %v", ar, err))
	}
	b := &Buffer{ar: ar, handle: h}
	id := c.buffers.insert(b)
	for _, old := range ov.IDs {
		c.joinOverlap(b, old, !ov.Streaming)
	}
	c.register(id, b)
	buffersCreated.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("buffercache: created %v for %v (joined %d, streaming %t)", b, aligned, len(ov.IDs), ov.Streaming)
	}
	return b
}

// joinOverlap copies the buffer old into b and deletes it. If accumulate is
// set, b inherits the stream score of old.
//
// Preconditions: c.mu is locked for writing. b covers old.
func (c *Cache) joinOverlap(b *Buffer, old BufferID, accumulate bool) {
	ob := c.buffers.get(old)
	c.dev.CopyBuffer(ob.handle, 0, b.handle, uint64(ob.ar.Start-b.ar.Start), ob.Size())
	if accumulate {
		b.streamScore += ob.streamScore + 1
	}
	c.deleteBuffer(old)
	buffersJoined.Increment()
}

// deleteBuffer unregisters and frees the buffer id, dropping its contents.
//
// Preconditions: c.mu is locked for writing.
func (c *Cache) deleteBuffer(id BufferID) {
	b := c.buffers.get(id)
	c.unregister(id, b)
	c.dev.Free(b.handle)
	c.buffers.erase(id)
}

// evictLocked downloads the device changes held by buffer id and deletes it.
// The guest copy of the range becomes authoritative again.
//
// Preconditions: c.mu is locked for writing.
func (c *Cache) evictLocked(id BufferID) {
	b := c.buffers.get(id)
	c.transferMu.Lock()
	c.downloadLocked(b.ar)
	c.transferMu.Unlock()
	c.deleteBuffer(id)
	c.tracker.ChangeState(tracker.CPU, true, b.ar)
	buffersEvicted.Increment()
}

// register points every page of b at id.
//
// Preconditions: c.mu is locked for writing.
func (c *Cache) register(id BufferID, b *Buffer) {
	first, last := b.ar.Start.PageIndex(), b.ar.End.PageIndex()
	c.pageTable.ForEach(first, last, func(page uint64, other BufferID) bool {
		panic(fmt.Sprintf("registering %v: page %#x already belongs to buffer %d", b, page, other))
	})
	c.pageTable.SetRange(first, last, id)
}

// unregister clears the page table entries of b.
//
// Preconditions: c.mu is locked for writing.
func (c *Cache) unregister(id BufferID, b *Buffer) {
	first, last := b.ar.Start.PageIndex(), b.ar.End.PageIndex()
	c.pageTable.ForEach(first, last, func(page uint64, other BufferID) bool {
		if other != id {
			panic(fmt.Sprintf("unregistering %v: page %#x belongs to buffer %d, not %d", b, page, other, id))
		}
		return true
	})
	c.pageTable.SetRange(first, last, NullBufferID)
}

// synchronizeBuffer uploads every guest-modified page of b and marks it
// clean.
//
// Preconditions: c.mu is locked. c.transferMu is locked.
func (c *Cache) synchronizeBuffer(b *Buffer) {
	c.tracker.ForEachModifiedRange(tracker.CPU, true, b.ar, func(run hostarch.AddrRange) {
		data := make([]byte, run.Length())
		c.mem.Read(run.Start, data)
		c.dev.Upload(b.handle, b.Offset(run.Start), data)
		bytesUploaded.IncrementBy(run.Length())
	})
}

// forEachBuffer calls fn on every buffer registered in ar, in ascending
// order, with the part of ar it covers.
//
// Preconditions: c.mu is locked.
func (c *Cache) forEachBuffer(ar hostarch.AddrRange, fn func(b *Buffer, piece hostarch.AddrRange)) {
	var next uint64
	c.pageTable.ForEach(ar.Start.PageIndex(), ar.RoundOut().End.PageIndex(), func(page uint64, id BufferID) bool {
		if page < next {
			return true
		}
		b := c.buffers.get(id)
		next = b.ar.End.PageIndex()
		fn(b, b.ar.Intersect(ar))
		return true
	})
}

type download struct {
	addr hostarch.Addr
	data []byte
}

// downloadLocked writes the device changes in every GPU-modified page
// overlapping ar back to guest memory, and marks those pages GPU-clean. It
// returns once the data is in guest memory.
//
// Preconditions: c.mu is locked. c.transferMu is locked.
func (c *Cache) downloadLocked(ar hostarch.AddrRange) {
	var runs []hostarch.AddrRange
	c.tracker.ForEachModifiedRange(tracker.GPU, false, ar, func(run hostarch.AddrRange) {
		runs = append(runs, run)
	})
	for _, run := range runs {
		var (
			fence   device.Fence
			pending []download
		)
		c.gpuModified.ForEachInRange(run, func(written hostarch.AddrRange) {
			c.forEachBuffer(written, func(b *Buffer, piece hostarch.AddrRange) {
				data := make([]byte, piece.Length())
				fence = max(fence, c.dev.Download(b.handle, b.Offset(piece.Start), data))
				pending = append(pending, download{piece.Start, data})
			})
		})
		if len(pending) != 0 {
			c.dev.WaitForCompletion(fence)
			for _, d := range pending {
				c.mem.Write(d.addr, d.data)
				bytesDownloaded.IncrementBy(uint64(len(d.data)))
			}
		}
		c.gpuModified.Subtract(run)
		c.tracker.ChangeState(tracker.GPU, false, run)
	}
}

// ReadMemory makes guest memory in [addr, addr+size) reflect every device
// write to it. It returns once the data has been written to guest memory.
func (c *Cache) ReadMemory(addr hostarch.Addr, size uint64) {
	ar := checkRequest(addr, size)
	if !c.tracker.IsModified(tracker.GPU, ar) {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.transferMu.Lock()
	defer c.transferMu.Unlock()
	c.downloadLocked(ar)
}

// InvalidateMemory records that the guest wrote [addr, addr+size) behind the
// tracker's back. Ranges with no buffer are ignored.
func (c *Cache) InvalidateMemory(addr hostarch.Addr, size uint64) {
	ar := checkRequest(addr, size)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isRegistered(ar) {
		return
	}
	c.tracker.ChangeState(tracker.CPU, true, ar)
}

// isRegistered returns true if any page overlapping ar has a buffer.
//
// Preconditions: c.mu is locked.
func (c *Cache) isRegistered(ar hostarch.AddrRange) bool {
	found := false
	c.pageTable.ForEach(ar.Start.PageIndex(), ar.RoundOut().End.PageIndex(), func(uint64, BufferID) bool {
		found = true
		return false
	})
	return found
}

// IsRegionRegistered returns true if any page overlapping [addr, addr+size)
// is covered by a buffer.
func (c *Cache) IsRegionRegistered(addr hostarch.Addr, size uint64) bool {
	ar := checkRequest(addr, size)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRegistered(ar)
}

// IsRegionCpuModified returns true if the guest modified any page overlapping
// [addr, addr+size) since it was last uploaded.
func (c *Cache) IsRegionCpuModified(addr hostarch.Addr, size uint64) bool {
	return c.tracker.IsModified(tracker.CPU, checkRequest(addr, size))
}

// IsRegionGpuModified returns true if the device modified any page
// overlapping [addr, addr+size) since it was last downloaded.
func (c *Cache) IsRegionGpuModified(addr hostarch.Addr, size uint64) bool {
	return c.tracker.IsModified(tracker.GPU, checkRequest(addr, size))
}

// FindBuffer returns the buffer covering all of [addr, addr+size), or
// NullBufferID if there is none.
func (c *Cache) FindBuffer(addr hostarch.Addr, size uint64) BufferID {
	aligned := checkRequest(addr, size).RoundOut()
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, _ := c.covering(aligned)
	return id
}

// Buffer returns the live buffer id. It panics if id is not live.
func (c *Cache) Buffer(id BufferID) *Buffer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffers.get(id)
}

// NumBuffers returns the number of live buffers.
func (c *Cache) NumBuffers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buffers.len()
}

// HandleFault implements pageprot.FaultHandler.HandleFault.
//
// Device changes to the faulting page are downloaded first, so that the
// guest observes them.
func (c *Cache) HandleFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	faultsHandled.Increment(accessField(at))
	page := hostarch.AddrRange{Start: addr.RoundDown(), End: addr.RoundDown() + hostarch.PageSize}
	if c.tracker.IsModified(tracker.GPU, page) {
		c.ReadMemory(page.Start, hostarch.PageSize)
	}
	return c.tracker.HandleFault(addr, at)
}

// EvictBuffer writes the device changes held by buffer id back to guest
// memory and deletes it.
func (c *Cache) EvictBuffer(id BufferID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(id)
}

// Release evicts every buffer.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []BufferID
	c.buffers.forEach(func(id BufferID, _ *Buffer) {
		ids = append(ids, id)
	})
	for _, id := range ids {
		c.evictLocked(id)
	}
}
