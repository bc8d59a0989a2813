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

package pagetables

import (
	"fmt"

	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// ARM LPAE stage-2 descriptor bits.
const (
	s2Valid PTE = 1 << 0

	// s2Table marks a table descriptor at L1/L2 and a page descriptor at
	// L3.
	s2Table PTE = 1 << 1

	s2MemAttrShift     = 2
	s2MemAttrMask  PTE = 0xf << s2MemAttrShift

	// MemAttr[3:2] outer, MemAttr[1:0] inner.
	s2MemAttrNormalWB PTE = 0xf << s2MemAttrShift
	s2MemAttrNormalNC PTE = 0x5 << s2MemAttrShift
	s2MemAttrDevice   PTE = 0x1 << s2MemAttrShift

	s2APRead  PTE = 1 << 6
	s2APWrite PTE = 1 << 7

	s2SHOuter      PTE = 0x2 << 8
	s2AccessFlag   PTE = 1 << 10
	s2Contiguous   PTE = 1 << 52
	s2ExecuteNever PTE = 1 << 54

	s2AddrMask PTE = 0x0000fffffffff000
	s2Perms        = s2Valid | s2APRead | s2APWrite | s2ExecuteNever

	// s2MaxL1Entries bounds the L1 table for a 40-bit IPA space.
	s2MaxL1Entries = 512

	vttbrVMIDShift = 48
)

type stage2 struct {
	l1Entries int
}

// Stage2 returns the ARM LPAE stage-2 format with l1Entries 1GB L1
// entries. L1 and L2 hold table descriptors, L3 holds page descriptors
// with outer and inner write-back MemAttr, outer shareability and the access
// flag set.
func Stage2(l1Entries int) (Format, error) {
	if l1Entries <= 0 || l1Entries > s2MaxL1Entries {
		return nil, fmt.Errorf("stage-2 L1 entries %d out of range [1, %d]", l1Entries, s2MaxL1Entries)
	}
	return stage2{l1Entries: l1Entries}, nil
}

// Name implements Format.Name.
func (stage2) Name() string { return "stage2" }

// TopEntries implements Format.TopEntries.
func (f stage2) TopEntries() int { return f.l1Entries }

// Table implements Format.Table.
func (stage2) Table(_ int, pa hostarch.Addr) PTE {
	return PTE(pa)&s2AddrMask | s2Table | s2Valid
}

// Page implements Format.Page.
func (f stage2) Page(pa hostarch.Addr, attrs Attrs) PTE {
	e := PTE(pa)&s2AddrMask | s2Table | s2AccessFlag
	switch attrs.Memory {
	case hostarch.MemoryTypeWriteBack:
		e |= s2MemAttrNormalWB | s2SHOuter
	case hostarch.MemoryTypeWriteCombine:
		e |= s2MemAttrNormalNC | s2SHOuter
	default:
		e |= s2MemAttrDevice
	}
	return f.SetAccess(e, attrs.Access)
}

// Leaf implements Format.Leaf. Built tables never carry the contiguous
// hint, so it is cleared from caller-supplied entries.
func (stage2) Leaf(p PTE) PTE {
	return p &^ s2Contiguous
}

// Present implements Format.Present.
func (stage2) Present(p PTE) bool {
	return p&s2Valid != 0
}

// Address implements Format.Address.
func (stage2) Address(p PTE) hostarch.Addr {
	return hostarch.Addr(p & s2AddrMask)
}

// Access implements Format.Access.
func (stage2) Access(p PTE) hostarch.AccessType {
	if p&s2Valid == 0 {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    p&s2APRead != 0,
		Write:   p&s2APWrite != 0,
		Execute: p&s2ExecuteNever == 0,
	}
}

// SetAccess implements Format.SetAccess.
func (stage2) SetAccess(p PTE, at hostarch.AccessType) PTE {
	p &^= s2Perms
	if !at.Any() {
		return p
	}
	p |= s2Valid
	if at.Read {
		p |= s2APRead
	}
	if at.Write {
		p |= s2APWrite
	}
	if !at.Execute {
		p |= s2ExecuteNever
	}
	return p
}

// RootPointer implements Format.RootPointer. It returns VTTBR_EL2: the
// base address with the VMID in bits [55:48].
func (stage2) RootPointer(root hostarch.Addr, vmid uint8) uint64 {
	return uint64(root) | uint64(vmid)<<vttbrVMIDShift
}
