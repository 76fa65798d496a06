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

// Package pageprottest provides an in-memory pageprot.Port for tests.
package pageprottest

import (
	"fmt"

	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/pageprot"
	"gpumirror.dev/gpumirror/pkg/sync"
)

// Port records the protection mode of every page it is asked to protect.
type Port struct {
	mu    sync.Mutex
	modes map[uint64]pageprot.Mode
	calls []Call
}

// Call is one Protect invocation.
type Call struct {
	Range hostarch.AddrRange
	Mode  pageprot.Mode
}

// NewPort returns an empty Port.
func NewPort() *Port {
	return &Port{modes: make(map[uint64]pageprot.Mode)}
}

// Protect implements pageprot.Port.Protect.
func (p *Port) Protect(ar hostarch.AddrRange, mode pageprot.Mode) {
	if ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("pageprottest: bad protection range %v", ar))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{ar, mode})
	for page := ar.Start.PageIndex(); page < ar.End.PageIndex(); page++ {
		if mode == pageprot.ModeNone {
			delete(p.modes, page)
		} else {
			p.modes[page] = mode
		}
	}
}

// Mode returns the last mode applied to the page containing addr.
func (p *Port) Mode(addr hostarch.Addr) pageprot.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modes[addr.PageIndex()]
}

// Protected returns the number of pages whose mode is not ModeNone.
func (p *Port) Protected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.modes)
}

// Calls returns and forgets the Protect calls seen so far.
func (p *Port) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = nil
	return calls
}
