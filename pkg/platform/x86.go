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

package platform

import (
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/ring0"
)

// x86 reset values.
const (
	x86ResetCR0   = 0x60000010
	x86ResetFlags = 0x2
	x86ResetCS    = 0xf000
	x86ResetBase  = 0xffff0000
	x86ResetIP    = 0xfff0
	x86CodeAttr   = 0x9b
	x86DataAttr   = 0x93
	x86RealLimit  = 0xffff
)

// X86Reset returns the x86 processor state after INIT.
func X86Reset() Registers {
	data := ring0.Segment{Limit: x86RealLimit, Attr: x86DataAttr}
	return Registers{
		Desc: ring0.Desc{
			CS:   ring0.Segment{Selector: x86ResetCS, Base: x86ResetBase, Limit: x86RealLimit, Attr: x86CodeAttr},
			DS:   data,
			ES:   data,
			FS:   data,
			GS:   data,
			SS:   data,
			GDTR: ring0.DescTable{Limit: x86RealLimit},
			IDTR: ring0.DescTable{Limit: x86RealLimit},
		},
		Activity: ring0.Activity{
			IP:    x86ResetIP,
			Flags: x86ResetFlags,
			State: ring0.ActivityActive,
		},
		ControlRegs: ring0.ControlRegs{CR0: x86ResetCR0},
	}
}

// X86Wake installs the real-mode entry state a startup IPI with the given
// vector selects: CS selector vector<<8, CS base vector*4K and IP 0.
func X86Wake(r *Registers, vector uint8) {
	r.Desc.CS.Selector = uint16(vector) << 8
	r.Desc.CS.Base = uint64(vector) * hostarch.PageSize
	r.Activity.IP = 0
	r.Activity.State = ring0.ActivityActive
}

// X86Traps are the events x86 backends intercept.
const X86Traps = ring0.TrapIOPort | ring0.TrapMSR | ring0.TrapCPUID | ring0.TrapHPTFault | ring0.TrapException | ring0.TrapSingleStep
