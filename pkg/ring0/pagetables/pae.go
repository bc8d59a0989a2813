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
	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// x86 PAE entry bits.
const (
	paePresent      PTE = 1 << 0
	paeWritable     PTE = 1 << 1
	paeUser         PTE = 1 << 2
	paeWriteThrough PTE = 1 << 3
	paeCacheDisable PTE = 1 << 4
	paeSuper        PTE = 1 << 7
	paeNoExecute    PTE = 1 << 63

	paeAddrMask PTE = 0x000ffffffffff000
	paePerms        = paePresent | paeWritable | paeUser | paeNoExecute
)

// paePDPTEntries is the number of entries in a PAE page-directory-pointer
// table.
const paePDPTEntries = 4

type pae struct{}

// PAE returns the x86 PAE nested paging format: 4 PDPT entries, 512 PDEs
// per PDPT entry and 512 4K PTEs per PDE, covering 4GB.
//
// PDPT entries carry only the present bit. PDEs are present, writable and
// user. Bit 7 (PAT on a 4K PTE) is always cleared on leaves.
func PAE() Format {
	return pae{}
}

// Name implements Format.Name.
func (pae) Name() string { return "pae" }

// TopEntries implements Format.TopEntries.
func (pae) TopEntries() int { return paePDPTEntries }

// Table implements Format.Table.
func (pae) Table(level int, pa hostarch.Addr) PTE {
	e := PTE(pa) & paeAddrMask
	if level == 0 {
		return e | paePresent
	}
	return e | paePresent | paeWritable | paeUser
}

// Page implements Format.Page.
func (f pae) Page(pa hostarch.Addr, attrs Attrs) PTE {
	e := PTE(pa) & paeAddrMask
	if !attrs.Memory.Cacheable() {
		e |= paeCacheDisable | paeWriteThrough
	}
	return f.SetAccess(e, attrs.Access)
}

// Leaf implements Format.Leaf.
func (pae) Leaf(p PTE) PTE {
	return p &^ paeSuper
}

// Present implements Format.Present.
func (pae) Present(p PTE) bool {
	return p&paePresent != 0
}

// Address implements Format.Address.
func (pae) Address(p PTE) hostarch.Addr {
	return hostarch.Addr(p & paeAddrMask)
}

// Access implements Format.Access.
func (pae) Access(p PTE) hostarch.AccessType {
	if p&paePresent == 0 {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    true,
		Write:   p&paeWritable != 0,
		Execute: p&paeNoExecute == 0,
	}
}

// SetAccess implements Format.SetAccess.
//
// x86 has no write-only or execute-only pages; any access implies read.
func (pae) SetAccess(p PTE, at hostarch.AccessType) PTE {
	p &^= paePerms
	if !at.Any() {
		return p
	}
	p |= paePresent | paeUser
	if at.Write {
		p |= paeWritable
	}
	if !at.Execute {
		p |= paeNoExecute
	}
	return p
}

// RootPointer implements Format.RootPointer. The nested CR3 has no VMID
// field; ASIDs live in the VMCB.
func (pae) RootPointer(root hostarch.Addr, _ uint8) uint64 {
	return uint64(root)
}
