// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync provides the lock primitives used by the tracker and the
// buffer cache. The exclusive lock is selected at build time: the standard
// mutex by default, or a spinning mutex when built with the spinlock tag.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// BlockingMutex is an alias of sync.Mutex. It is used for critical
	// sections that may block, which must never spin regardless of how
	// Mutex is built.
	BlockingMutex = sync.Mutex

	// Cond is an alias of sync.Cond.
	Cond = sync.Cond

	// Locker is an alias of sync.Locker.
	Locker = sync.Locker

	// RWMutex is an alias of sync.RWMutex.
	RWMutex = sync.RWMutex
)

// NewCond is a wrapper around sync.NewCond.
func NewCond(l Locker) *Cond {
	return sync.NewCond(l)
}

