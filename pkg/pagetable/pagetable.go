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

// Package pagetable provides a two-level radix table indexed by page number.
package pagetable

import (
	"fmt"
	"sync/atomic"

	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/sync"
)

const (
	// AddressSpaceBits is the width of the addresses covered by a Table.
	AddressSpaceBits = 40

	// FirstLevelBits is the number of page number bits that select a node.
	FirstLevelBits = 14

	// SecondLevelBits is the number of page number bits that select an entry
	// within a node.
	SecondLevelBits = AddressSpaceBits - FirstLevelBits - hostarch.PageShift

	// NumPages is the number of pages covered by a Table.
	NumPages = 1 << (FirstLevelBits + SecondLevelBits)

	numNodes     = 1 << FirstLevelBits
	pagesPerNode = 1 << SecondLevelBits
)

type node[T comparable] [pagesPerNode]T

// Table maps page numbers to values of type T. The zero value of T means
// "no entry".
//
// Second level nodes are allocated on first store. Lookups never lock: nodes
// are published atomically and entries are protected by the caller, who must
// serialize stores against loads of the same entries.
//
// The zero value is an empty table.
type Table[T comparable] struct {
	// mu serializes node allocation.
	mu sync.Mutex

	nodes [numNodes]atomic.Pointer[node[T]]

	allocated atomic.Int64
}

func checkPage(page uint64) {
	if page >= NumPages {
		panic(fmt.Sprintf("page %#x is outside the %d-bit address space", page, AddressSpaceBits))
	}
}

// Get returns the entry for page.
func (t *Table[T]) Get(page uint64) T {
	checkPage(page)
	n := t.nodes[page>>SecondLevelBits].Load()
	if n == nil {
		var zero T
		return zero
	}
	return n[page&(pagesPerNode-1)]
}

// nodeFor returns the node holding page, allocating it if needed.
func (t *Table[T]) nodeFor(page uint64) *node[T] {
	slot := &t.nodes[page>>SecondLevelBits]
	if n := slot.Load(); n != nil {
		return n
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := slot.Load(); n != nil {
		return n
	}
	n := new(node[T])
	slot.Store(n)
	t.allocated.Add(1)
	return n
}

// Set sets the entry for page to v.
func (t *Table[T]) Set(page uint64, v T) {
	checkPage(page)
	var zero T
	if v == zero {
		// Clearing an entry of a missing node is a no-op.
		if n := t.nodes[page>>SecondLevelBits].Load(); n != nil {
			n[page&(pagesPerNode-1)] = v
		}
		return
	}
	t.nodeFor(page)[page&(pagesPerNode-1)] = v
}

// SetRange sets the entries for pages [first, last) to v.
func (t *Table[T]) SetRange(first, last uint64, v T) {
	if first >= last {
		return
	}
	checkPage(last - 1)
	var zero T
	for page := first; page < last; {
		nodeEnd := min((page|(pagesPerNode-1))+1, last)
		var n *node[T]
		if v == zero {
			n = t.nodes[page>>SecondLevelBits].Load()
		} else {
			n = t.nodeFor(page)
		}
		if n != nil {
			for p := page; p < nodeEnd; p++ {
				n[p&(pagesPerNode-1)] = v
			}
		}
		page = nodeEnd
	}
}

// ForEach calls fn for every page in [first, last) with a non-zero entry, in
// ascending order. If fn returns false, ForEach stops.
func (t *Table[T]) ForEach(first, last uint64, fn func(page uint64, v T) bool) {
	if first >= last {
		return
	}
	checkPage(last - 1)
	var zero T
	for page := first; page < last; {
		nodeEnd := min((page|(pagesPerNode-1))+1, last)
		if n := t.nodes[page>>SecondLevelBits].Load(); n != nil {
			for p := page; p < nodeEnd; p++ {
				if v := n[p&(pagesPerNode-1)]; v != zero {
					if !fn(p, v) {
						return
					}
				}
			}
		}
		page = nodeEnd
	}
}

// NumNodes returns the number of second level nodes allocated.
func (t *Table[T]) NumNodes() int {
	return int(t.allocated.Load())
}
