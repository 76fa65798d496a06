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

package pageprot

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/sync"
)

const (
	chunkShift = 10
	chunkPages = 1 << chunkShift
)

// chunk holds the watch counts of chunkPages consecutive pages.
type chunk struct {
	read  [chunkPages]uint32
	write [chunkPages]uint32

	// watched is the number of pages in the chunk with a non-zero count.
	watched int
}

func (c *chunk) mode(i uint64) Mode {
	switch {
	case c.read[i] != 0:
		return ModeNoAccess
	case c.write[i] != 0:
		return ModeReadOnly
	default:
		return ModeNone
	}
}

// Watchers reference counts read and write watches per page and keeps the
// protection applied through a Port in sync with the counts: a page with any
// read watch is inaccessible, a page with only write watches is read-only,
// other pages are unprotected.
//
// Watchers implements Watcher.
type Watchers struct {
	port Port

	mu sync.Mutex

	// chunks maps page index >> chunkShift to counts.
	//
	// +checklocks:mu
	chunks map[uint64]*chunk
}

// NewWatchers returns Watchers driving port.
func NewWatchers(port Port) *Watchers {
	return &Watchers{
		port:   port,
		chunks: make(map[uint64]*chunk),
	}
}

// Watch implements Watcher.Watch.
func (w *Watchers) Watch(ar hostarch.AddrRange, kind WatchKind) {
	w.update(ar, kind, 1)
}

// Unwatch implements Watcher.Unwatch.
func (w *Watchers) Unwatch(ar hostarch.AddrRange, kind WatchKind) {
	w.update(ar, kind, -1)
}

// Mode returns the protection currently requested for the page containing
// addr.
func (w *Watchers) Mode(addr hostarch.Addr) Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	page := addr.PageIndex()
	c, ok := w.chunks[page>>chunkShift]
	if !ok {
		return ModeNone
	}
	return c.mode(page & (chunkPages - 1))
}

// WatchedPages returns the number of pages with at least one watch.
func (w *Watchers) WatchedPages() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n uint64
	for _, c := range w.chunks {
		n += uint64(c.watched)
	}
	return n
}

func (w *Watchers) update(ar hostarch.AddrRange, kind WatchKind, delta int) {
	if !ar.WellFormed() || !ar.IsPageAligned() {
		panic(fmt.Sprintf("pageprot: watch range %v is not page-aligned", ar))
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	// Consecutive pages switching to the same mode are applied with a single
	// Protect call.
	var (
		pending     hostarch.AddrRange
		pendingMode Mode
	)
	flush := func() {
		if pending.Length() != 0 {
			w.port.Protect(pending, pendingMode)
		}
		pending = hostarch.AddrRange{}
	}

	for page := ar.Start.PageIndex(); page < ar.End.PageIndex(); page++ {
		key, i := page>>chunkShift, page&(chunkPages-1)
		c, ok := w.chunks[key]
		if !ok {
			c = &chunk{}
			w.chunks[key] = c
		}
		before := c.mode(i)
		wasWatched := c.read[i] != 0 || c.write[i] != 0

		counts := &c.write
		if kind == WatchRead {
			counts = &c.read
		}
		if delta < 0 && counts[i] == 0 {
			panic(fmt.Sprintf("pageprot: %v watch count underflow at page %#x", kind, page<<hostarch.PageShift))
		}
		counts[i] = uint32(int64(counts[i]) + int64(delta))

		isWatched := c.read[i] != 0 || c.write[i] != 0
		switch {
		case isWatched && !wasWatched:
			c.watched++
		case !isWatched && wasWatched:
			c.watched--
			if c.watched == 0 {
				delete(w.chunks, key)
			}
		}

		after := c.mode(i)
		if after == before {
			flush()
			continue
		}
		addr := hostarch.Addr(page << hostarch.PageShift)
		if pending.Length() != 0 && (pending.End != addr || pendingMode != after) {
			flush()
		}
		if pending.Length() == 0 {
			pending = hostarch.AddrRange{Start: addr, End: addr}
			pendingMode = after
		}
		pending.End = addr + hostarch.PageSize
	}
	flush()
}
