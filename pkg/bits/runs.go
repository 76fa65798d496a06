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

// ForEachRun64 calls f once for each maximal run of consecutive set bits in
// x, lowest run first. offset is the index of the run's first bit and length
// is its number of bits.
func ForEachRun64(x uint64, f func(offset, length int)) {
	base := 0
	for x != 0 {
		skip := TrailingZeros64(x)
		x >>= uint(skip)
		base += skip
		length := TrailingOnes64(x)
		f(base, length)
		if length == 64 {
			return
		}
		x >>= uint(length)
		base += length
	}
}

// ForEachRunSlice64 is like ForEachRun64, but treats words as one bitmap
// whose bit i is words[i/64] bit i%64. A run that crosses a word boundary is
// reported once.
func ForEachRunSlice64(words []uint64, f func(offset, length int)) {
	start, length := 0, 0
	for w, word := range words {
		if word == 0 {
			continue
		}
		ForEachRun64(word, func(offset, n int) {
			bit := w*64 + offset
			if length != 0 && start+length == bit {
				length += n
				return
			}
			if length != 0 {
				f(start, length)
			}
			start, length = bit, n
		})
	}
	if length != 0 {
		f(start, length)
	}
}
