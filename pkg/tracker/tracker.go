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

// Package tracker records, per 4KB page of guest memory, whether the guest
// (CPU) or the device (GPU) holds the newest copy of the data, and keeps page
// protection consistent with that state so the next access by the other side
// can be intercepted.
//
// State is kept in Regions, each covering a RegionSize window with its own
// lock. A Tracker creates Regions on demand and dispatches address ranges of
// any size to them.
package tracker

import (
	"fmt"

	"github.com/google/btree"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/log"
	"gpumirror.dev/gpumirror/pkg/metric"
	"gpumirror.dev/gpumirror/pkg/pageprot"
	"gpumirror.dev/gpumirror/pkg/sync"
)

const (
	// AddressSpaceBits is the width of the tracked address space.
	AddressSpaceBits = 40

	// AddressSpaceEnd is the first address beyond the tracked address space.
	AddressSpaceEnd = hostarch.Addr(1) << AddressSpaceBits
)

var regionsCreated = metric.MustCreateNewUint64Metric("/tracker/regions_created", "Number of tracker regions created.")

// Tracker tracks the dirty state of the whole address space.
//
// Tracker implements pageprot.FaultHandler.
type Tracker struct {
	watcher pageprot.Watcher

	mu sync.RWMutex

	// regions holds every Region created so far, ordered by base address.
	// Regions are never removed.
	//
	// +checklocks:mu
	regions *btree.BTreeG[*Region]
}

// New returns a Tracker whose regions report protection changes to watcher.
// watcher may be nil, in which case protection is tracked but not applied.
func New(watcher pageprot.Watcher) *Tracker {
	return &Tracker{
		watcher: watcher,
		regions: btree.NewG(8, func(a, b *Region) bool {
			return a.base < b.base
		}),
	}
}

// NumRegions returns the number of regions created so far.
func (t *Tracker) NumRegions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.regions.Len()
}

// checkRange panics if ar is malformed or leaves the tracked address space.
func checkRange(ar hostarch.AddrRange) {
	if !ar.WellFormed() || ar.End > AddressSpaceEnd {
		panic(fmt.Sprintf("range %v is outside the %d-bit address space", ar, AddressSpaceBits))
	}
}

// lookup returns the Region based at base, or nil if it does not exist.
func (t *Tracker) lookup(base hostarch.Addr) *Region {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, _ := t.regions.Get(&Region{base: base})
	return r
}

// getOrCreate returns the Region based at base, creating it if needed.
func (t *Tracker) getOrCreate(base hostarch.Addr) *Region {
	if r := t.lookup(base); r != nil {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.regions.Get(&Region{base: base}); ok {
		return r
	}
	r := NewRegion(base, t.watcher)
	t.regions.ReplaceOrInsert(r)
	regionsCreated.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("tracker: created region %v", r.Range())
	}
	return r
}

// forEachPiece calls fn with the base of every region window touched by ar
// and the part of ar inside it.
func forEachPiece(ar hostarch.AddrRange, fn func(base hostarch.Addr, piece hostarch.AddrRange)) {
	checkRange(ar)
	ar.SplitEach(RegionSize, func(piece hostarch.AddrRange) bool {
		fn(piece.Start&^(RegionSize-1), piece)
		return true
	})
}

// ChangeState marks every page overlapping ar as dirty or clean for kind.
// See Region.ChangeState for the effect on protection.
func (t *Tracker) ChangeState(kind Kind, dirty bool, ar hostarch.AddrRange) {
	tr := transitionFor(kind, dirty)
	forEachPiece(ar, func(base hostarch.Addr, piece hostarch.AddrRange) {
		r := t.lookup(base)
		if r == nil {
			if tr.noopOnDefault {
				return
			}
			r = t.getOrCreate(base)
		}
		r.ChangeState(kind, dirty, piece)
	})
}

// ForEachModifiedRange calls fn on every maximal run of pages overlapping ar
// whose kind bit is set, in ascending order. Runs that continue across a
// region boundary are reported once. If clear is set, the bits are cleared
// and protection updated before fn sees the run.
//
// fn is called without any tracker lock held.
func (t *Tracker) ForEachModifiedRange(kind Kind, clear bool, ar hostarch.AddrRange, fn func(run hostarch.AddrRange)) {
	var pending hostarch.AddrRange
	emit := func(run hostarch.AddrRange) {
		if pending.Length() != 0 && pending.End == run.Start {
			pending.End = run.End
			return
		}
		if pending.Length() != 0 {
			fn(pending)
		}
		pending = run
	}
	forEachPiece(ar, func(base hostarch.Addr, piece hostarch.AddrRange) {
		r := t.lookup(base)
		if r == nil {
			switch {
			case kind == GPU:
				// Untouched regions are GPU-clean.
				return
			case !clear:
				// Untouched regions are entirely CPU-dirty.
				emit(piece.RoundOut())
				return
			}
			r = t.getOrCreate(base)
		}
		r.ForEachModifiedRange(kind, clear, piece, emit)
	})
	if pending.Length() != 0 {
		fn(pending)
	}
}

// IsModified returns true if any page overlapping ar has its kind bit set.
func (t *Tracker) IsModified(kind Kind, ar hostarch.AddrRange) bool {
	modified := false
	checkRange(ar)
	ar.SplitEach(RegionSize, func(piece hostarch.AddrRange) bool {
		r := t.lookup(piece.Start &^ (RegionSize - 1))
		if r == nil {
			modified = kind == CPU
		} else {
			modified = r.IsModified(kind, piece)
		}
		return !modified
	})
	return modified
}

// HandleFault implements pageprot.FaultHandler.HandleFault.
//
// A write to a page that is not GPU-dirty makes the page CPU-dirty, which
// lifts its write protection. Faults on GPU-dirty pages are not handled: the
// device copy must be downloaded first.
func (t *Tracker) HandleFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	page := hostarch.AddrRange{Start: addr.RoundDown(), End: addr.RoundDown() + hostarch.PageSize}
	if t.IsModified(GPU, page) {
		return false
	}
	if at.Write {
		t.ChangeState(CPU, true, page)
	}
	return true
}
