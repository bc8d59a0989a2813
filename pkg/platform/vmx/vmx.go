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

// Package vmx provides the Intel VT-x backend.
package vmx

import (
	"github.com/klauspost/cpuid/v2"
	"slabvisor.dev/slabvisor/pkg/platform"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
)

// vendor keeps VMCS guest-state fields.
type vendor struct{}

// Reset implements platform.Vendor.Reset. Application processors park in
// the wait-for-SIPI activity state.
func (vendor) Reset(bsp bool) platform.Registers {
	r := platform.X86Reset()
	if !bsp {
		r.Activity.State = ring0.ActivityWaitSIPI
	}
	return r
}

// WakeMechanism implements platform.Vendor.WakeMechanism.
func (vendor) WakeMechanism() string {
	return "SIPI VM exit"
}

// Wake implements platform.Vendor.Wake.
func (vendor) Wake(r *platform.Registers, vector uint8) {
	platform.X86Wake(r, vector)
}

// Traps implements platform.Vendor.Traps.
func (vendor) Traps() ring0.TrapEvent {
	return platform.X86Traps
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New(platform.Options) (platform.Backend, error) {
	return platform.NewMachine(platform.VMX, pagetables.PAE(), vendor{}), nil
}

// Native implements platform.Constructor.Native.
func (constructor) Native() bool {
	return cpuid.CPU.Supports(cpuid.VMX)
}

func init() {
	platform.Register(platform.VMX, constructor{})
}
