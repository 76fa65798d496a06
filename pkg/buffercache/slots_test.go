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

	"gpumirror.dev/gpumirror/pkg/hostarch"
)

func TestSlots(t *testing.T) {
	var s slots
	a := &Buffer{ar: hostarch.AddrRange{Start: 0, End: page}}
	b := &Buffer{ar: hostarch.AddrRange{Start: page, End: 2 * page}}

	ida, idb := s.insert(a), s.insert(b)
	if ida == NullBufferID || idb == NullBufferID || ida == idb {
		t.Fatalf("insert returned IDs %d and %d", ida, idb)
	}
	if s.get(ida) != a || s.get(idb) != b {
		t.Errorf("get returned the wrong buffers")
	}

	s.erase(ida)
	if got := s.len(); got != 1 {
		t.Errorf("len after erase: got %d, want 1", got)
	}
	c := &Buffer{ar: hostarch.AddrRange{Start: 2 * page, End: 3 * page}}
	if idc := s.insert(c); idc != ida {
		t.Errorf("insert after erase: got ID %d, want reused ID %d", idc, ida)
	}

	seen := 0
	s.forEach(func(BufferID, *Buffer) { seen++ })
	if seen != 2 {
		t.Errorf("forEach visited %d buffers, want 2", seen)
	}

	mustPanic(t, "get of erased ID", func() {
		s.erase(idb)
		s.get(idb)
	})
	mustPanic(t, "get of null ID", func() {
		s.get(NullBufferID)
	})
}
