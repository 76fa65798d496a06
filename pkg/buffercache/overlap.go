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
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/tracker"
)

// OverlapResult describes the buffers that a new buffer for a request would
// have to absorb.
type OverlapResult struct {
	// IDs are the distinct buffers overlapping the request or its growth, in
	// discovery order.
	IDs []BufferID

	// Begin and End bound the request and every buffer in IDs, plus any
	// streaming padding.
	Begin hostarch.Addr
	End   hostarch.Addr

	// Streaming is set when the overlaps have been joined so often that the
	// range is treated as a stream buffer. The bound is then padded so the
	// buffer stops being recreated for every small growth.
	Streaming bool

	// StreamLeap is set when merging would produce a buffer disproportionately
	// larger than the request. The overlaps should not be merged.
	StreamLeap bool
}

// Range returns [Begin, End).
func (o *OverlapResult) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: o.Begin, End: o.End}
}

// resolveOverlaps finds every buffer a buffer covering aligned would overlap.
// The bound grows to cover each buffer found, and the scan continues over the
// grown bound so that the result covers all buffers it touches.
//
// Preconditions: aligned is page-aligned.
//
// +checklocks:c.mu
func (c *Cache) resolveOverlaps(aligned hostarch.AddrRange) OverlapResult {
	res := OverlapResult{Begin: aligned.Start, End: aligned.End}
	picked := make(map[BufferID]struct{})
	score := 0
	pad := hostarch.Addr(c.opts.StreamPadPages * hostarch.PageSize)
	// Padding never extends past whole pages of guest memory.
	lim := c.mem.Range()
	floor, ceil := lim.Start.MustRoundUp(), min(lim.End.RoundDown(), tracker.AddressSpaceEnd)

	page := res.Begin.PageIndex()
	for page < res.End.PageIndex() {
		id := c.pageTable.Get(page)
		if id == NullBufferID {
			page++
			continue
		}
		if _, ok := picked[id]; ok {
			page = c.buffers.get(id).ar.End.PageIndex()
			continue
		}
		picked[id] = struct{}{}
		res.IDs = append(res.IDs, id)

		b := c.buffers.get(id)
		oldBegin := res.Begin
		res.Begin = min(res.Begin, b.ar.Start)
		res.End = max(res.End, b.ar.End)

		score += b.streamScore
		if score > c.opts.StreamScoreThreshold && !res.Streaming {
			res.Streaming = true
			// Pad in the direction the request grows past the buffer.
			if aligned.End > b.ar.End && res.End < ceil {
				res.End = min(res.End+pad, ceil)
			}
			if aligned.Start < b.ar.Start && res.Begin > floor {
				res.Begin = max(res.Begin-min(res.Begin, pad), floor)
			}
		}

		if res.Begin < oldBegin {
			// Buffers below the old bound may now overlap.
			page = res.Begin.PageIndex()
			continue
		}
		page = b.ar.End.PageIndex()
	}

	if len(res.IDs) > 1 && !res.Streaming && res.Range().Length() > c.opts.StreamLeapFactor*aligned.Length() {
		res.StreamLeap = true
	}
	return res
}
