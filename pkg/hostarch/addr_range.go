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

package hostarch

import (
	"fmt"
)

// An AddrRange represents the set of addresses [Start, End).
//
// Invariant: Start <= End. Ranges produced by this package always satisfy
// it; use WellFormed to check ranges built by hand.
type AddrRange struct {
	// Start is the inclusive start of the range.
	Start Addr

	// End is the exclusive end of the range.
	End Addr
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r AddrRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns a range consisting of the intersection between r and r2.
// If r and r2 do not overlap, Intersect returns a range with unspecified
// bounds, but for which Length() == 0.
func (r AddrRange) Intersect(r2 AddrRange) AddrRange {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Union returns the smallest range containing both r and r2.
func (r AddrRange) Union(r2 AddrRange) AddrRange {
	if r2.Start < r.Start {
		r.Start = r2.Start
	}
	if r2.End > r.End {
		r.End = r2.End
	}
	return r
}

// IsPageAligned returns true if ar.Start.IsPageAligned() and
// ar.End.IsPageAligned().
func (r AddrRange) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// RoundOut returns the smallest page-aligned range containing r.
//
// Preconditions: r.End rounded up does not wrap.
func (r AddrRange) RoundOut() AddrRange {
	return AddrRange{r.Start.RoundDown(), r.End.MustRoundUp()}
}

// SplitEach calls fn on each non-empty piece of r produced by cutting r at
// every multiple of align, in ascending order. If fn returns false,
// SplitEach stops early.
//
// Preconditions: align is a power of two.
func (r AddrRange) SplitEach(align uint64, fn func(piece AddrRange) bool) {
	if align == 0 || align&(align-1) != 0 {
		panic(fmt.Sprintf("SplitEach alignment %#x is not a power of two", align))
	}
	for start := r.Start; start < r.End; {
		end := (start &^ Addr(align-1)) + Addr(align)
		if end > r.End || end <= start {
			// end <= start only if the next boundary wraps.
			end = r.End
		}
		if !fn(AddrRange{start, end}) {
			return
		}
		start = end
	}
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
