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

package tracker

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/bits"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/pageprot"
	"gpumirror.dev/gpumirror/pkg/sync"
)

const (
	// RegionShift is the binary log of RegionSize.
	RegionShift = 22

	// RegionSize is the size of the window covered by one Region.
	RegionSize = 1 << RegionShift

	// PagesPerRegion is the number of pages tracked by one Region.
	PagesPerRegion = RegionSize / hostarch.PageSize

	pagesPerWord   = 64
	wordsPerRegion = PagesPerRegion / pagesPerWord
)

type words [wordsPerRegion]uint64

// Region tracks the dirty and protection state of every page in one
// RegionSize-aligned window.
//
// Invariants: a page is never write-protected while CPU-dirty, and never
// read-protected while GPU-clean.
type Region struct {
	// base is the first address of the window. It is immutable.
	base hostarch.Addr

	// watcher is notified of every protection bit change. It is not owned by
	// the Region and must outlive it.
	watcher pageprot.Watcher

	mu sync.Mutex

	// dirty holds the CPU and GPU dirty bits, indexed by Kind.
	//
	// +checklocks:mu
	dirty [numKinds]words

	// +checklocks:mu
	writeProtected words

	// +checklocks:mu
	readProtected words
}

// NewRegion returns a Region covering [base, base+RegionSize) in the default
// state: every page CPU-dirty and GPU-clean, nothing protected.
func NewRegion(base hostarch.Addr, watcher pageprot.Watcher) *Region {
	if base&(RegionSize-1) != 0 {
		panic(fmt.Sprintf("region base %v is not aligned to %#x", base, RegionSize))
	}
	r := &Region{base: base, watcher: watcher}
	for i := range r.dirty[CPU] {
		r.dirty[CPU][i] = ^uint64(0)
	}
	return r
}

// Base returns the first address covered by r.
func (r *Region) Base() hostarch.Addr {
	return r.base
}

// Range returns the window covered by r.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.base, End: r.base + RegionSize}
}

// forEachWord calls fn with the index and page mask of every word touched by
// ar. Partially covered pages are included. If fn returns false, iteration
// stops.
func (r *Region) forEachWord(ar hostarch.AddrRange, fn func(i int, mask uint64) bool) {
	if !r.Range().IsSupersetOf(ar) || !ar.WellFormed() {
		panic(fmt.Sprintf("range %v is not inside region %v", ar, r.Range()))
	}
	if ar.Length() == 0 {
		return
	}
	first := int(uint64(ar.Start-r.base) >> hostarch.PageShift)
	end := int(hostarch.DivCeil(uint64(ar.End-r.base), hostarch.PageSize))
	for i := first / pagesPerWord; i*pagesPerWord < end; i++ {
		lo := max(first-i*pagesPerWord, 0)
		hi := min(end-i*pagesPerWord, pagesPerWord)
		if !fn(i, bits.RangeMask64(lo, hi-lo)) {
			return
		}
	}
}

// notify reports the pages of word i set in changed to the watcher.
func (r *Region) notify(i int, changed uint64, kind pageprot.WatchKind, add bool) {
	if changed == 0 || r.watcher == nil {
		return
	}
	wordBase := r.base + hostarch.Addr(i*pagesPerWord*hostarch.PageSize)
	bits.ForEachRun64(changed, func(offset, length int) {
		ar := hostarch.AddrRange{
			Start: wordBase + hostarch.Addr(offset*hostarch.PageSize),
			End:   wordBase + hostarch.Addr((offset+length)*hostarch.PageSize),
		}
		if add {
			r.watcher.Watch(ar, kind)
		} else {
			r.watcher.Unwatch(ar, kind)
		}
	})
}

// protect applies action to the protection bits in prot selected by mask.
//
// +checklocks:r.mu
func (r *Region) protect(i int, prot *words, mask uint64, action protAction, kind pageprot.WatchKind) {
	switch action {
	case install:
		added := mask &^ prot[i]
		prot[i] |= added
		r.notify(i, added, kind, true)
	case remove:
		removed := mask & prot[i]
		prot[i] &^= removed
		r.notify(i, removed, kind, false)
	}
}

// apply performs t for kind on the pages of word i selected by mask.
//
// +checklocks:r.mu
func (r *Region) apply(kind Kind, t transition, i int, mask uint64) {
	if t.dirty {
		r.dirty[kind][i] |= mask
	} else {
		r.dirty[kind][i] &^= mask
	}
	writeMask := mask
	if t.sparesCPUDirty && t.write == install {
		writeMask &^= r.dirty[CPU][i]
	}
	r.protect(i, &r.writeProtected, writeMask, t.write, pageprot.WatchWrite)
	r.protect(i, &r.readProtected, mask, t.read, pageprot.WatchRead)
}

// ChangeState marks the pages of ar as dirty or clean for kind and adjusts
// their protection:
//
//   - CPU dirty: write protection is removed so the guest writes freely.
//   - CPU clean: write protection is installed to catch the next write.
//   - GPU dirty: read and write protection are installed so guest accesses
//     wait for the download.
//   - GPU clean: read protection is removed. Write protection is installed
//     on pages that are not CPU-dirty.
//
// Preconditions: ar lies inside r.
func (r *Region) ChangeState(kind Kind, dirty bool, ar hostarch.AddrRange) {
	t := transitionFor(kind, dirty)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forEachWord(ar, func(i int, mask uint64) bool {
		r.apply(kind, t, i, mask)
		return true
	})
}

// ForEachModifiedRange calls fn on every maximal run of pages in ar whose kind
// bit is set, in ascending order. If clear is set, the bits are cleared and
// protection updated before fn is called. fn is called without r's lock held.
//
// Preconditions: ar lies inside r.
func (r *Region) ForEachModifiedRange(kind Kind, clear bool, ar hostarch.AddrRange, fn func(run hostarch.AddrRange)) {
	var set words
	found := false
	r.mu.Lock()
	r.forEachWord(ar, func(i int, mask uint64) bool {
		set[i] = r.dirty[kind][i] & mask
		found = found || set[i] != 0
		if clear {
			r.apply(kind, clearTransitions[kind], i, mask)
		}
		return true
	})
	r.mu.Unlock()

	if !found {
		return
	}
	bits.ForEachRunSlice64(set[:], func(offset, length int) {
		fn(hostarch.AddrRange{
			Start: r.base + hostarch.Addr(offset*hostarch.PageSize),
			End:   r.base + hostarch.Addr((offset+length)*hostarch.PageSize),
		})
	})
}

// IsModified returns true if any page in ar has its kind bit set.
//
// Preconditions: ar lies inside r.
func (r *Region) IsModified(kind Kind, ar hostarch.AddrRange) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	modified := false
	r.forEachWord(ar, func(i int, mask uint64) bool {
		modified = r.dirty[kind][i]&mask != 0
		return !modified
	})
	return modified
}

// pageState is the state of a single page, for tests and debugging.
type pageState struct {
	CPUDirty       bool
	GPUDirty       bool
	WriteProtected bool
	ReadProtected  bool
}

// state returns the state of the page containing addr.
func (r *Region) state(addr hostarch.Addr) pageState {
	page := int(uint64(addr-r.base) >> hostarch.PageShift)
	i, m := page/pagesPerWord, bits.MaskOf64(page%pagesPerWord)
	r.mu.Lock()
	defer r.mu.Unlock()
	return pageState{
		CPUDirty:       r.dirty[CPU][i]&m != 0,
		GPUDirty:       r.dirty[GPU][i]&m != 0,
		WriteProtected: r.writeProtected[i]&m != 0,
		ReadProtected:  r.readProtected[i]&m != 0,
	}
}
