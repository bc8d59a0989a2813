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

// Package stage2 provides the ARMv8 EL2 backend with LPAE stage-2
// translation.
package stage2

import (
	"runtime"

	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/platform"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
)

const (
	// kernelEntry is where the boot CPU enters its guest.
	kernelEntry = 0x80000

	// sctlrReset is SCTLR_EL1 with the MMU and caches off and RES1 bits
	// set.
	sctlrReset = 0x30c50830

	// DefaultL1Entries covers 4GB.
	DefaultL1Entries = 4
)

// vendor keeps the EL1 context saved at EL2. ControlRegs.CR0 carries
// SCTLR_EL1.
type vendor struct{}

// Reset implements platform.Vendor.Reset. Secondary CPUs are held off until
// their PSCI CPU_ON call is trapped and replayed.
func (vendor) Reset(bsp bool) platform.Registers {
	r := platform.Registers{
		ControlRegs: ring0.ControlRegs{CR0: sctlrReset},
	}
	if bsp {
		r.Activity = ring0.Activity{IP: kernelEntry, State: ring0.ActivityActive}
	} else {
		r.Activity = ring0.Activity{State: ring0.ActivityHalted}
	}
	return r
}

// WakeMechanism implements platform.Vendor.WakeMechanism.
func (vendor) WakeMechanism() string {
	return "PSCI CPU_ON trap"
}

// Wake implements platform.Vendor.Wake. The vector selects the 4K page the
// CPU enters at.
func (vendor) Wake(r *platform.Registers, vector uint8) {
	r.Activity.IP = uint64(vector) * hostarch.PageSize
	r.Activity.State = ring0.ActivityActive
}

// Traps implements platform.Vendor.Traps. There are no I/O ports and no
// CPUID instruction.
func (vendor) Traps() ring0.TrapEvent {
	return ring0.TrapMSR | ring0.TrapHPTFault | ring0.TrapException | ring0.TrapSingleStep
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New(opts platform.Options) (platform.Backend, error) {
	n := opts.Stage2L1Entries
	if n == 0 {
		n = DefaultL1Entries
	}
	f, err := pagetables.Stage2(n)
	if err != nil {
		return nil, err
	}
	return platform.NewMachine(platform.Stage2, f, vendor{}), nil
}

// Native implements platform.Constructor.Native.
func (constructor) Native() bool {
	return runtime.GOARCH == "arm64"
}

func init() {
	platform.Register(platform.Stage2, constructor{})
}
