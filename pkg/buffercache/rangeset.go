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
	"github.com/google/btree"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/sync"
)

// rangeSet is a set of addresses stored as disjoint, non-adjacent ranges. It
// records the exact bytes written by the device so downloads move only those.
type rangeSet struct {
	mu sync.Mutex

	// +checklocks:mu
	tree *btree.BTreeG[hostarch.AddrRange]
}

func newRangeSet() *rangeSet {
	return &rangeSet{
		tree: btree.NewG(16, func(a, b hostarch.AddrRange) bool {
			return a.Start < b.Start
		}),
	}
}

// touching returns the ranges in s that overlap or are adjacent to ar.
//
// +checklocks:s.mu
func (s *rangeSet) touching(ar hostarch.AddrRange) []hostarch.AddrRange {
	var found []hostarch.AddrRange
	s.tree.DescendLessOrEqual(hostarch.AddrRange{Start: ar.End}, func(r hostarch.AddrRange) bool {
		if r.End < ar.Start {
			return false
		}
		found = append(found, r)
		return true
	})
	return found
}

// Add inserts ar into s.
func (s *rangeSet) Add(ar hostarch.AddrRange) {
	if ar.Length() == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.touching(ar) {
		s.tree.Delete(r)
		ar = ar.Union(r)
	}
	s.tree.ReplaceOrInsert(ar)
}

// Subtract removes ar from s.
func (s *rangeSet) Subtract(ar hostarch.AddrRange) {
	if ar.Length() == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.touching(ar) {
		if !r.Overlaps(ar) {
			continue
		}
		s.tree.Delete(r)
		if r.Start < ar.Start {
			s.tree.ReplaceOrInsert(hostarch.AddrRange{Start: r.Start, End: ar.Start})
		}
		if r.End > ar.End {
			s.tree.ReplaceOrInsert(hostarch.AddrRange{Start: ar.End, End: r.End})
		}
	}
}

// ForEachInRange calls fn with the intersection of ar and every range in s
// that overlaps it, in ascending order.
func (s *rangeSet) ForEachInRange(ar hostarch.AddrRange, fn func(hostarch.AddrRange)) {
	for _, r := range s.InRange(ar) {
		fn(r)
	}
}

// InRange returns the intersections of ar with the ranges of s, in ascending
// order.
func (s *rangeSet) InRange(ar hostarch.AddrRange) []hostarch.AddrRange {
	if ar.Length() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.touching(ar)
	out := make([]hostarch.AddrRange, 0, len(found))
	// touching returns ranges in descending order.
	for i := len(found) - 1; i >= 0; i-- {
		if in := found[i].Intersect(ar); in.Length() != 0 {
			out = append(out, in)
		}
	}
	return out
}

// Len returns the number of disjoint ranges in s.
func (s *rangeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}
