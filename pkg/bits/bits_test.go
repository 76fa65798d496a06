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

package bits

import (
	"math/bits"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mask(is ...int) uint64 {
	var m uint64
	for _, i := range is {
		m |= MaskOf64(i)
	}
	return m
}

type run struct {
	Offset, Length int
}

func collectRuns(x uint64) []run {
	var got []run
	ForEachRun64(x, func(offset, length int) {
		got = append(got, run{offset, length})
	})
	return got
}

func TestForEachRun64(t *testing.T) {
	for _, test := range []struct {
		name string
		x    uint64
		want []run
	}{
		{
			name: "empty",
			x:    0,
		},
		{
			name: "single low bit",
			x:    mask(0),
			want: []run{{0, 1}},
		},
		{
			name: "single high bit",
			x:    mask(63),
			want: []run{{63, 1}},
		},
		{
			name: "two runs",
			x:    mask(0, 2, 3, 4),
			want: []run{{0, 1}, {2, 3}},
		},
		{
			name: "full word",
			x:    ^uint64(0),
			want: []run{{0, 64}},
		},
		{
			name: "run ending at the top bit",
			x:    RangeMask64(60, 4) | mask(1),
			want: []run{{1, 1}, {60, 4}},
		},
		{
			name: "alternating",
			x:    0x5,
			want: []run{{0, 1}, {2, 1}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if diff := cmp.Diff(test.want, collectRuns(test.x)); diff != "" {
				t.Errorf("ForEachRun64(%#x) mismatch (-want +got):\n%s", test.x, diff)
			}
		})
	}
}

// TestForEachRun64Properties checks that the runs of random words are
// disjoint, ascending, maximal and cover exactly the set bits.
func TestForEachRun64Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		x := rng.Uint64() & rng.Uint64()
		var rebuilt uint64
		total := 0
		prevEnd := -1
		ForEachRun64(x, func(offset, length int) {
			if offset <= prevEnd {
				t.Fatalf("ForEachRun64(%#x): run at %d is not separated from previous run ending at %d", x, offset, prevEnd)
			}
			m := RangeMask64(offset, length)
			if rebuilt&m != 0 {
				t.Fatalf("ForEachRun64(%#x): run (%d, %d) overlaps an earlier run", x, offset, length)
			}
			rebuilt |= m
			total += length
			prevEnd = offset + length
		})
		if rebuilt != x {
			t.Errorf("ForEachRun64(%#x): runs cover %#x", x, rebuilt)
		}
		if total != bits.OnesCount64(x) {
			t.Errorf("ForEachRun64(%#x): run lengths sum to %d, want %d", x, total, bits.OnesCount64(x))
		}
	}
}

func TestForEachRunSlice64(t *testing.T) {
	words := []uint64{
		mask(63),
		^uint64(0),
		mask(0, 5),
		0,
		mask(0),
	}
	want := []run{{63, 66}, {133, 1}, {256, 1}}
	var got []run
	ForEachRunSlice64(words, func(offset, length int) {
		got = append(got, run{offset, length})
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ForEachRunSlice64 mismatch (-want +got):\n%s", diff)
	}
}

func TestRangeMask64(t *testing.T) {
	for _, test := range []struct {
		first, count int
		want         uint64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{3, 2, 0x18},
		{0, 64, ^uint64(0)},
		{63, 1, mask(63)},
	} {
		if got := RangeMask64(test.first, test.count); got != test.want {
			t.Errorf("RangeMask64(%d, %d): got %#x, wanted %#x", test.first, test.count, got, test.want)
		}
	}
}

func TestTrailingZeros64(t *testing.T) {
	for i := 0; i <= 64; i++ {
		n := uint64(1) << uint(i)
		want := i
		if i == 64 {
			want = 64
		}
		if got := TrailingZeros64(n); got != want {
			t.Errorf("TrailingZeros64(%#x): got %d, wanted %d", n, got, want)
		}
	}
	for i := 0; i < 64; i++ {
		n := ^uint64(0) >> uint(i)
		if got, want := TrailingOnes64(n), 64-i; got != want {
			t.Errorf("TrailingOnes64(%#x): got %d, wanted %d", n, got, want)
		}
	}
}
