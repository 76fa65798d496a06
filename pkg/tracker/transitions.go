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

package tracker

import (
	"fmt"
)

// Kind identifies which side of the mirror a dirty bit describes.
type Kind int

const (
	// CPU pages hold guest data newer than the device copy.
	CPU Kind = iota

	// GPU pages hold device data newer than guest memory.
	GPU

	numKinds
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// protAction is what a transition does to one protection bitset.
type protAction int

const (
	keep protAction = iota
	install
	remove
)

// transition describes the effect of a state change on a range of pages.
type transition struct {
	// dirty is the new value of the kind's dirty bit.
	dirty bool

	// write and read are applied to the write and read protection bits.
	write protAction
	read  protAction

	// sparesCPUDirty excludes CPU-dirty pages from write protection, so a
	// page the guest is still writing never traps.
	sparesCPUDirty bool

	// noopOnDefault is true if the transition leaves a region in its default
	// state unchanged, so untouched regions need not be created for it.
	noopOnDefault bool
}

// Indices of the second dimension of transitions.
const (
	toClean = 0
	toDirty = 1
)

// transitions is the coherency contract, indexed by kind and then by the
// dirty argument of ChangeState.
var transitions = [numKinds][2]transition{
	CPU: {
		toClean: {dirty: false, write: install, read: keep},
		toDirty: {dirty: true, write: remove, read: keep, noopOnDefault: true},
	},
	GPU: {
		toClean: {dirty: false, write: install, read: remove, sparesCPUDirty: true, noopOnDefault: true},
		toDirty: {dirty: true, write: install, read: install, sparesCPUDirty: true},
	},
}

// transitionFor returns the entry of transitions for kind and dirty.
func transitionFor(kind Kind, dirty bool) transition {
	if dirty {
		return transitions[kind][toDirty]
	}
	return transitions[kind][toClean]
}

// clearTransitions are applied by ForEachModifiedRange when clearing. Clearing
// CPU runs re-arms write protection; clearing GPU runs only lifts the read
// protection, since the write protection installed with the GPU-dirty bit
// is still wanted.
var clearTransitions = [numKinds]transition{
	CPU: {dirty: false, write: install, read: keep},
	GPU: {dirty: false, write: keep, read: remove},
}
