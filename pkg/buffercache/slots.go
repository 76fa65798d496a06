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
	"fmt"
)

// slots stores buffers by BufferID. Freed IDs are reused, most recently freed
// first; NullBufferID is never handed out.
type slots struct {
	// buffers is indexed by BufferID. buffers[NullBufferID] and the entries of
	// freed IDs are nil.
	buffers []*Buffer

	// free is a stack of freed IDs.
	free []BufferID

	live int
}

// insert stores b and returns its ID.
func (s *slots) insert(b *Buffer) BufferID {
	if len(s.buffers) == 0 {
		s.buffers = append(s.buffers, nil)
	}
	s.live++
	if n := len(s.free); n > 0 {
		id := s.free[n-1]
		s.free = s.free[:n-1]
		s.buffers[id] = b
		return id
	}
	s.buffers = append(s.buffers, b)
	return BufferID(len(s.buffers) - 1)
}

// get returns the buffer with the given ID.
//
// Preconditions: id is live.
func (s *slots) get(id BufferID) *Buffer {
	if int(id) >= len(s.buffers) || s.buffers[id] == nil {
		panic(fmt.Sprintf("buffer ID %d is not live", id))
	}
	return s.buffers[id]
}

// erase frees id.
//
// Preconditions: id is live.
func (s *slots) erase(id BufferID) {
	s.get(id)
	s.buffers[id] = nil
	s.free = append(s.free, id)
	s.live--
}

// forEach calls fn for every live buffer in ID order.
func (s *slots) forEach(fn func(id BufferID, b *Buffer)) {
	for i, b := range s.buffers {
		if b != nil {
			fn(BufferID(i), b)
		}
	}
}

// len returns the number of live buffers.
func (s *slots) len() int {
	return s.live
}
