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

//go:build !linux

package guest

import (
	"errors"

	"gpumirror.dev/gpumirror/pkg/hostarch"
	"gpumirror.dev/gpumirror/pkg/pageprot"
)

// ErrUnsupported is returned by NewMapping on hosts without memfd.
var ErrUnsupported = errors.New("guest mappings require linux")

// Mapping is unavailable on this host.
type Mapping struct{}

// NewMapping always fails on this host.
func NewMapping(hostarch.Addr, uint64) (*Mapping, error) {
	return nil, ErrUnsupported
}

// Close implements Mapping.Close.
func (*Mapping) Close() error { return nil }

// SetFaultHandler implements Mapping.SetFaultHandler.
func (*Mapping) SetFaultHandler(pageprot.FaultHandler) {}

// Range implements Mapping.Range.
func (*Mapping) Range() hostarch.AddrRange { return hostarch.AddrRange{} }

// Read implements Memory.Read.
func (*Mapping) Read(hostarch.Addr, []byte) { panic(ErrUnsupported) }

// Write implements Memory.Write.
func (*Mapping) Write(hostarch.Addr, []byte) { panic(ErrUnsupported) }

// Protect implements pageprot.Port.Protect.
func (*Mapping) Protect(hostarch.AddrRange, pageprot.Mode) { panic(ErrUnsupported) }

// CopyIn implements Mapping.CopyIn.
func (*Mapping) CopyIn(hostarch.Addr, []byte) error { return ErrUnsupported }

// CopyOut implements Mapping.CopyOut.
func (*Mapping) CopyOut(hostarch.Addr, []byte) error { return ErrUnsupported }
