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

// Package pageprot defines how the tracker asks for guest pages to be
// protected, and how protection faults are reported back.
//
// The tracker never changes page permissions itself. Each time a page gains
// or loses a reason to be protected it notifies a Watcher. Watchers folds
// those notifications into per-page reference counts and drives a Port,
// which applies the resulting mode with whatever mechanism the host offers.
package pageprot

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/hostarch"
)

// Mode is the protection applied to a page of guest memory.
type Mode int

const (
	// ModeNone leaves the page fully accessible.
	ModeNone Mode = iota

	// ModeReadOnly traps writes.
	ModeReadOnly

	// ModeNoAccess traps reads and writes.
	ModeNoAccess
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeReadOnly:
		return "read-only"
	case ModeNoAccess:
		return "no-access"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Port applies page protection.
type Port interface {
	// Protect sets the protection of every page in ar to mode.
	//
	// Preconditions: ar is page-aligned and non-empty.
	Protect(ar hostarch.AddrRange, mode Mode)
}

// FaultHandler resolves protection faults.
type FaultHandler interface {
	// HandleFault is called when an access of type at to addr trapped. It
	// returns true if the fault was resolved and the access may be retried.
	HandleFault(addr hostarch.Addr, at hostarch.AccessType) bool
}

// WatchKind is the kind of access a watch intercepts.
type WatchKind int

const (
	// WatchWrite intercepts writes.
	WatchWrite WatchKind = iota

	// WatchRead intercepts reads (and therefore writes).
	WatchRead
)

// String implements fmt.Stringer.String.
func (k WatchKind) String() string {
	switch k {
	case WatchWrite:
		return "write"
	case WatchRead:
		return "read"
	default:
		return fmt.Sprintf("WatchKind(%d)", int(k))
	}
}

// Watcher receives protection changes from the tracker.
type Watcher interface {
	// Watch adds one watch of kind to every page in ar.
	Watch(ar hostarch.AddrRange, kind WatchKind)

	// Unwatch removes one watch of kind from every page in ar.
	Unwatch(ar hostarch.AddrRange, kind WatchKind)
}
