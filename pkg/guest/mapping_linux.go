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

//go:build linux

package guest

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/log"
	"gpumirror.dev/gpumirror/pkg/pageprot"
)

// maxFaultRetries bounds the number of times a single page access is retried
// after its fault was reported as handled.
const maxFaultRetries = 8

// faultLog rate limits fault logging, which can be very chatty.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// Mapping is guest memory backed by a memfd mapped twice: a host view that is
// always accessible and implements Memory, and a guest view whose protection
// is controlled through Protect. Guest accesses go through CopyIn and CopyOut,
// which report protection faults to a pageprot.FaultHandler.
//
// Mapping implements Memory and pageprot.Port.
type Mapping struct {
	base hostarch.Addr
	fd   int

	host  []byte
	guest []byte

	handler atomic.Pointer[pageprot.FaultHandler]
}

// NewMapping maps size bytes of guest memory at guest address base.
//
// Preconditions: base and size are page-aligned and size is non-zero.
func NewMapping(base hostarch.Addr, size uint64) (*Mapping, error) {
	if !base.IsPageAligned() || size == 0 || size&hostarch.PageMask != 0 {
		return nil, fmt.Errorf("guest mapping [%v, +%#x) is not page-aligned", base, size)
	}
	fd, err := unix.MemfdCreate("gpumirror-guest", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	m := &Mapping{base: base, fd: fd}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		m.Close()
		return nil, fmt.Errorf("ftruncate memfd to %#x: %w", size, err)
	}
	if m.host, err = unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		m.Close()
		return nil, fmt.Errorf("mapping host view: %w", err)
	}
	if m.guest, err = unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		m.Close()
		return nil, fmt.Errorf("mapping guest view: %w", err)
	}
	return m, nil
}

// Close unmaps both views and closes the memfd.
func (m *Mapping) Close() error {
	var firstErr error
	for _, view := range []*[]byte{&m.host, &m.guest} {
		if *view == nil {
			continue
		}
		if err := unix.Munmap(*view); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
		*view = nil
	}
	if m.fd >= 0 {
		if err := unix.Close(m.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing memfd: %w", err)
		}
		m.fd = -1
	}
	return firstErr
}

// SetFaultHandler sets the handler consulted when a guest access faults.
func (m *Mapping) SetFaultHandler(h pageprot.FaultHandler) {
	m.handler.Store(&h)
}

// Range returns the guest addresses covered by m.
func (m *Mapping) Range() hostarch.AddrRange {
	return m.base.MustToRange(uint64(len(m.host)))
}

// offset returns the offset of [addr, addr+n) in the views.
func (m *Mapping) offset(addr hostarch.Addr, n int) uint64 {
	ar, ok := addr.ToRange(uint64(n))
	if !ok || !m.Range().IsSupersetOf(ar) {
		panic(fmt.Sprintf("guest access %v is outside mapping %v", ar, m.Range()))
	}
	return uint64(addr - m.base)
}

// Read implements Memory.Read.
func (m *Mapping) Read(addr hostarch.Addr, dst []byte) {
	off := m.offset(addr, len(dst))
	copy(dst, m.host[off:])
}

// Write implements Memory.Write.
func (m *Mapping) Write(addr hostarch.Addr, src []byte) {
	off := m.offset(addr, len(src))
	copy(m.host[off:], src)
}

// Protect implements pageprot.Port.Protect on the guest view.
func (m *Mapping) Protect(ar hostarch.AddrRange, mode pageprot.Mode) {
	off := m.offset(ar.Start, int(ar.Length()))
	prot := unix.PROT_READ | unix.PROT_WRITE
	switch mode {
	case pageprot.ModeReadOnly:
		prot = unix.PROT_READ
	case pageprot.ModeNoAccess:
		prot = unix.PROT_NONE
	}
	if err := unix.Mprotect(m.guest[off:off+ar.Length()], prot); err != nil {
		panic(fmt.Sprintf("mprotect(%v, %v): %v", ar, mode, err))
	}
}

// CopyIn performs a guest read of len(dst) bytes at addr.
func (m *Mapping) CopyIn(addr hostarch.Addr, dst []byte) error {
	off := m.offset(addr, len(dst))
	return m.access(addr, len(dst), hostarch.Read, func(start, end int) {
		copy(dst[start:end], m.guest[off+uint64(start):])
	})
}

// CopyOut performs a guest write of src at addr.
func (m *Mapping) CopyOut(addr hostarch.Addr, src []byte) error {
	off := m.offset(addr, len(src))
	return m.access(addr, len(src), hostarch.Write, func(start, end int) {
		copy(m.guest[off+uint64(start):], src[start:end])
	})
}

// access runs copyFn over [0, n) one page at a time. A page that faults is
// reported to the fault handler and retried if the handler resolved it.
func (m *Mapping) access(addr hostarch.Addr, n int, at hostarch.AccessType, copyFn func(start, end int)) error {
	for start := 0; start < n; {
		pageAddr := addr + hostarch.Addr(start)
		end := min(start+int(hostarch.PageSize-pageAddr.PageOffset()), n)
		for retries := 0; ; retries++ {
			if !faults(func() { copyFn(start, end) }) {
				break
			}
			if retries == maxFaultRetries || !m.handleFault(pageAddr, at) {
				return &SegvError{Addr: pageAddr, Access: at}
			}
		}
		start = end
	}
	return nil
}

func (m *Mapping) handleFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	h := m.handler.Load()
	if h == nil {
		return false
	}
	handled := (*h).HandleFault(addr, at)
	if faultLog.IsLogging(log.Debug) {
		faultLog.Debugf("guest: %s fault at %v handled=%t", at, addr, handled)
	}
	return handled
}

// faults runs fn and reports whether it was interrupted by a memory fault.
func faults(fn func()) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(interface{ Addr() uintptr }); ok {
			faulted = true
			return
		}
		panic(r)
	}()
	fn()
	return false
}
