// Copyright 2026 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

//go:build !spinlock

package sync

import (
	"sync"
)

// Mutex is the exclusive lock protecting a single tracker region.
type Mutex = sync.Mutex

// Spinning reports whether Mutex is the spinning implementation.
const Spinning = false
