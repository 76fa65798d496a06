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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gpumirror.dev/gpumirror/pkg/hostarch"
)

func rangesOf(s *rangeSet) []hostarch.AddrRange {
	var out []hostarch.AddrRange
	s.tree.Ascend(func(r hostarch.AddrRange) bool {
		out = append(out, r)
		return true
	})
	return out
}

func TestRangeSet(t *testing.T) {
	type step struct {
		add bool
		ar  hostarch.AddrRange
	}
	for _, test := range []struct {
		name  string
		steps []step
		want  []hostarch.AddrRange
	}{
		{
			name:  "disjoint",
			steps: []step{{true, hostarch.AddrRange{10, 20}}, {true, hostarch.AddrRange{30, 40}}},
			want:  []hostarch.AddrRange{{10, 20}, {30, 40}},
		},
		{
			name:  "adjacent ranges merge",
			steps: []step{{true, hostarch.AddrRange{10, 20}}, {true, hostarch.AddrRange{20, 30}}},
			want:  []hostarch.AddrRange{{10, 30}},
		},
		{
			name: "bridge",
			steps: []step{
				{true, hostarch.AddrRange{10, 20}},
				{true, hostarch.AddrRange{30, 40}},
				{true, hostarch.AddrRange{50, 60}},
				{true, hostarch.AddrRange{15, 55}},
			},
			want: []hostarch.AddrRange{{10, 60}},
		},
		{
			name:  "subtract middle",
			steps: []step{{true, hostarch.AddrRange{10, 40}}, {false, hostarch.AddrRange{20, 30}}},
			want:  []hostarch.AddrRange{{10, 20}, {30, 40}},
		},
		{
			name: "subtract across ranges",
			steps: []step{
				{true, hostarch.AddrRange{10, 20}},
				{true, hostarch.AddrRange{30, 40}},
				{false, hostarch.AddrRange{15, 35}},
			},
			want: []hostarch.AddrRange{{10, 15}, {35, 40}},
		},
		{
			name:  "subtract everything",
			steps: []step{{true, hostarch.AddrRange{10, 20}}, {false, hostarch.AddrRange{0, 100}}},
		},
		{
			name:  "subtract adjacent is a no-op",
			steps: []step{{true, hostarch.AddrRange{10, 20}}, {false, hostarch.AddrRange{20, 30}}},
			want:  []hostarch.AddrRange{{10, 20}},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newRangeSet()
			for _, st := range test.steps {
				if st.add {
					s.Add(st.ar)
				} else {
					s.Subtract(st.ar)
				}
			}
			if diff := cmp.Diff(test.want, rangesOf(s)); diff != "" {
				t.Errorf("ranges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRangeSetInRange(t *testing.T) {
	s := newRangeSet()
	s.Add(hostarch.AddrRange{10, 20})
	s.Add(hostarch.AddrRange{30, 40})
	s.Add(hostarch.AddrRange{50, 60})

	want := []hostarch.AddrRange{{15, 20}, {30, 40}, {50, 55}}
	if diff := cmp.Diff(want, s.InRange(hostarch.AddrRange{15, 55})); diff != "" {
		t.Errorf("InRange mismatch (-want +got):\n%s", diff)
	}
	if got := s.InRange(hostarch.AddrRange{20, 30}); len(got) != 0 {
		t.Errorf("InRange of a gap: got %v, want nothing", got)
	}
	if got := s.Len(); got != 3 {
		t.Errorf("Len: got %d, want 3", got)
	}
}
