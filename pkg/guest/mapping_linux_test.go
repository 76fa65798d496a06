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
	"bytes"
	"errors"
	"testing"

	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/pageprot"
)

const testBase = hostarch.Addr(0x40000000)

func newTestMapping(t *testing.T, pages uint64) *Mapping {
	t.Helper()
	m, err := NewMapping(testBase, pages*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewMapping failed: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return m
}

// unprotectingHandler lifts the protection of every faulting page.
type unprotectingHandler struct {
	m      *Mapping
	faults []hostarch.AccessType
}

func (h *unprotectingHandler) HandleFault(addr hostarch.Addr, at hostarch.AccessType) bool {
	h.faults = append(h.faults, at)
	h.m.Protect(hostarch.AddrRange{Start: addr.RoundDown(), End: addr.RoundDown() + hostarch.PageSize}, pageprot.ModeNone)
	return true
}

type refusingHandler struct{}

func (refusingHandler) HandleFault(hostarch.Addr, hostarch.AccessType) bool { return false }

func TestViewsShareMemory(t *testing.T) {
	m := newTestMapping(t, 2)
	m.Write(testBase+10, []byte("host"))
	got := make([]byte, 4)
	if err := m.CopyIn(testBase+10, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if string(got) != "host" {
		t.Errorf("guest view: got %q, want %q", got, "host")
	}
	if err := m.CopyOut(testBase+hostarch.PageSize-2, []byte("gst!")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	m.Read(testBase+hostarch.PageSize-2, got)
	if string(got) != "gst!" {
		t.Errorf("host view: got %q, want %q", got, "gst!")
	}
}

func TestProtectedWriteFaults(t *testing.T) {
	m := newTestMapping(t, 4)
	h := &unprotectingHandler{m: m}
	m.SetFaultHandler(h)

	all := m.Range()
	m.Protect(all, pageprot.ModeReadOnly)

	// Reads of read-only pages do not fault.
	buf := make([]byte, 8)
	if err := m.CopyIn(testBase, buf); err != nil {
		t.Fatalf("CopyIn of a read-only page failed: %v", err)
	}
	if len(h.faults) != 0 {
		t.Errorf("read of a read-only page faulted %d times", len(h.faults))
	}

	// A write spanning two pages faults once per page.
	data := bytes.Repeat([]byte{0xab}, 16)
	if err := m.CopyOut(testBase+2*hostarch.PageSize-8, data); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if len(h.faults) != 2 || h.faults[0] != hostarch.Write {
		t.Errorf("faults: got %v, want two write faults", h.faults)
	}
	got := make([]byte, 16)
	m.Read(testBase+2*hostarch.PageSize-8, got)
	if !bytes.Equal(got, data) {
		t.Errorf("written bytes: got %x, want %x", got, data)
	}
}

func TestUnresolvedFault(t *testing.T) {
	m := newTestMapping(t, 2)
	m.SetFaultHandler(refusingHandler{})
	page := hostarch.AddrRange{Start: testBase + hostarch.PageSize, End: testBase + 2*hostarch.PageSize}
	m.Protect(page, pageprot.ModeNoAccess)

	err := m.CopyIn(testBase+hostarch.PageSize+100, make([]byte, 4))
	var segv *SegvError
	if !errors.As(err, &segv) {
		t.Fatalf("CopyIn of a no-access page: got err %v, want SegvError", err)
	}
	if segv.Addr != page.Start+100 || segv.Access != hostarch.Read {
		t.Errorf("SegvError: got %+v", segv)
	}

	// The first page is still accessible.
	if err := m.CopyIn(testBase, make([]byte, 4)); err != nil {
		t.Errorf("CopyIn of an unprotected page failed: %v", err)
	}
}

func TestNoHandler(t *testing.T) {
	m := newTestMapping(t, 1)
	m.Protect(m.Range(), pageprot.ModeReadOnly)
	if err := m.CopyOut(testBase, []byte{1}); err == nil {
		t.Errorf("CopyOut to a read-only page without a handler succeeded")
	}
}

func TestNewMappingRejectsUnaligned(t *testing.T) {
	if _, err := NewMapping(testBase+1, hostarch.PageSize); err == nil {
		t.Errorf("NewMapping with an unaligned base succeeded")
	}
	if _, err := NewMapping(testBase, 100); err == nil {
		t.Errorf("NewMapping with an unaligned size succeeded")
	}
}
