// Copyright 2026 The slabvisor Authors.
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

package slab

import (
	"fmt"

	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// Built-in slab ids.
const (
	CoreAPI ID = iota
	CoreInit
	CoreIntercept
	CoreException
	AppTest
	AppHyperDEP
	AppApproveExec
	AppSyscallLog
	AppStepTrace
	GuestPrimary
)

// Built-in layout addresses.
const (
	coreBase       = 0x10000000
	ioTableRegion  = 0x10600000
	privateIOBase  = 0x11000000
	ioAPICBase     = 0xfec00000
	localAPICBase  = 0xfee00000
	privateIOPitch = IOTablePages * hostarch.PageSize
)

func privateIO(id ID) hostarch.Addr {
	return hostarch.Addr(privateIOBase + uint64(id)*privateIOPitch)
}

// Default returns the built-in table: a core API slab that is the target of
// every hypercall, the verified boot, intercept and exception slabs, five
// unverified hypervisor applications and one guest.
func Default() *Table {
	app := func(id ID, name string, priv Privilege) Descriptor {
		return Descriptor{
			ID:          id,
			Name:        name,
			Type:        TypeUnverified,
			Privileges:  priv,
			CallCaps:    Caps(CoreAPI),
			Mode:        ModeHypervisor,
			IOTableBase: privateIO(id),
		}
	}
	rows := []Descriptor{
		{
			ID:         CoreAPI,
			Name:       "core.api",
			Type:       TypeVerifiedProgram,
			Privileges: PrivAll,
		},
		{
			ID:         CoreInit,
			Name:       "core.init",
			Type:       TypeVerifiedProgram,
			Privileges: PrivAll,
			CallCaps:   Caps(CoreAPI, AppTest, GuestPrimary),
		},
		{
			ID:         CoreIntercept,
			Name:       "core.intercept",
			Type:       TypeVerifiedSentinel,
			Privileges: PrivHPT | PrivTrapMask | PrivCPUState | PrivPlatform | PrivEvents,
			CallCaps:   Caps(CoreAPI, AppHyperDEP, AppApproveExec, AppStepTrace),
		},
		{
			ID:         CoreException,
			Name:       "core.exception",
			Type:       TypeVerifiedSentinel,
			Privileges: PrivPlatform | PrivEvents,
			CallCaps:   Caps(CoreAPI),
		},
		app(AppTest, "app.test", 0),
		app(AppHyperDEP, "app.hyperdep", PrivHPT),
		app(AppApproveExec, "app.approvexec", PrivHPT),
		app(AppSyscallLog, "app.syscalllog", PrivTrapMask|PrivCPUState),
		app(AppStepTrace, "app.steptrace", PrivTrapMask|PrivCPUState),
		{
			ID:          GuestPrimary,
			Name:        "guest.primary",
			Type:        TypeGuest,
			Guest:       GuestDesc{IsGuest: true, Caps: ^uint64(0)},
			Mode:        ModeGuest,
			IOTableBase: privateIO(GuestPrimary),
		},
	}
	owned := func(start, size uint64, kind Kind) Region {
		return Region{Start: hostarch.Addr(start), Size: size, Kind: kind, Owned: true, Owner: CoreAPI}
	}
	layout, err := NewLayout(DefaultSpan, []Region{
		owned(coreBase, 0x200000, KindCode),
		owned(coreBase+0x200000, 0x200000, KindData),
		owned(coreBase+0x400000, 0x100000, KindStack),
		owned(ioTableRegion, IOTablePages*hostarch.PageSize, KindIOTable),
		owned(coreBase+0x800000, 0x200000, KindDMA),
		{Start: ioAPICBase, Size: hostarch.PageSize, Kind: KindDevice},
		{Start: localAPICBase, Size: hostarch.PageSize, Kind: KindDevice},
	})
	if err != nil {
		panic(fmt.Sprintf("built-in layout: %v", err))
	}
	t, err := NewTable(rows, layout)
	if err != nil {
		panic(fmt.Sprintf("built-in table: %v", err))
	}
	return t
}
