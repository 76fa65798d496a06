// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

//go:build spinlock

package sync

import (
	"runtime"
	"sync/atomic"
)

// Spinning reports whether Mutex is the spinning implementation.
const Spinning = true

// spinsBeforeYield is the number of failed acquisitions before a waiter
// yields its processor.
const spinsBeforeYield = 64

// Mutex is a spinning mutual exclusion lock. Critical sections protected by
// it must be short and must not block.
//
// The zero value is an unlocked Mutex.
type Mutex struct {
	state atomic.Uint32
}

// Lock locks m. If the lock is already in use, the calling goroutine spins
// until the mutex is available.
func (m *Mutex) Lock() {
	for spins := 0; ; spins++ {
		if m.state.Load() == 0 && m.state.CompareAndSwap(0, 1) {
			return
		}
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock tries to lock m and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock unlocks m.
//
// Preconditions: m is locked.
func (m *Mutex) Unlock() {
	if m.state.Swap(0) != 1 {
		panic("sync: unlock of unlocked Mutex")
	}
}
