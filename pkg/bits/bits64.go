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

// Package bits contains helpers for working with 64-bit page masks.
package bits

import (
	"math/bits"
)

// MaskOf64 returns a uint64 with only bit i set.
func MaskOf64(i int) uint64 {
	return uint64(1) << uint64(i)
}

// RangeMask64 returns a mask with bits [first, first+count) set.
//
// Preconditions: first+count <= 64.
func RangeMask64(first, count int) uint64 {
	if count >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(count)) - 1) << uint(first)
}

// TrailingZeros64 returns the number of trailing zero bits in x; the result is
// 64 for x == 0.
func TrailingZeros64(x uint64) int {
	return bits.TrailingZeros64(x)
}

// TrailingOnes64 returns the number of trailing one bits in x; the result is
// 64 for x == ^0.
func TrailingOnes64(x uint64) int {
	return bits.TrailingZeros64(^x)
}
