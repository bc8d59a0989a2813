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

// Package pagetables builds and edits the second-level (nested) page tables
// that confine each slab and partition to its view of guest-physical memory.
//
// Tables are three levels deep: a small top-level table, full middle tables
// and full leaf tables of 4K pages. The leaves of a built table cover the
// whole span with no gaps.
package pagetables

import (
	"fmt"
	"sync"
	"sync/atomic"

	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/slab"
)

const (
	leafShift   = hostarch.PageShift
	middleShift = leafShift + entriesShift
	topShift    = middleShift + entriesShift

	entriesShift   = 9
	entriesPerPage = 1 << entriesShift
	entriesMask    = entriesPerPage - 1
)

// Unmapped is returned by Translate for an address with no valid mapping.
const Unmapped = ^uint64(0)

// PTE is a page table entry. Its interpretation depends on the Format.
type PTE uint64

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("%#016x", uint64(p))
}

// PTEs is a collection of entries: one page.
type PTEs [entriesPerPage]PTE

// PageTables is a built second-level table for one slab.
//
// Peer operations are safe for concurrent use.
type PageTables struct {
	slab   slab.ID
	format Format
	alloc  Allocator
	span   uint64

	// root is the top-level table.
	root         *PTEs
	rootPhysical hostarch.Addr

	// mu protects the entries of leaves. The table structure above the
	// leaves is immutable once built.
	mu sync.RWMutex

	// leaves holds every leaf table in guest-physical order.
	leaves []*PTEs

	generation atomic.Uint64
}

// Slab returns the slab the table was built for.
func (p *PageTables) Slab() slab.ID {
	return p.slab
}

// Format returns the entry format.
func (p *PageTables) Format() Format {
	return p.format
}

// Span returns the guest-physical span covered by the table.
func (p *PageTables) Span() uint64 {
	return p.span
}

// Root returns the physical address of the top-level table.
func (p *PageTables) Root() hostarch.Addr {
	return p.rootPhysical
}

// RootPointer returns the translation base register value for the table.
func (p *PageTables) RootPointer(vmid uint8) uint64 {
	return p.format.RootPointer(p.rootPhysical, vmid)
}

// leaf returns the leaf table and index mapping gpa.
func (p *PageTables) leaf(gpa hostarch.Addr) (*PTEs, int, bool) {
	if uint64(gpa) >= p.span {
		return nil, 0, false
	}
	i := gpa.PageIndex()
	return p.leaves[i>>entriesShift], int(i & entriesMask), true
}

// Entry returns the leaf entry mapping gpa.
func (p *PageTables) Entry(gpa hostarch.Addr) (PTE, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, i, ok := p.leaf(gpa)
	if !ok {
		return 0, false
	}
	return t[i], true
}

// SetEntry replaces the leaf entry mapping gpa. The entry is normalized by
// the format's leaf rules. It returns false if gpa is outside the span.
func (p *PageTables) SetEntry(gpa hostarch.Addr, e PTE) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, i, ok := p.leaf(gpa)
	if !ok {
		return false
	}
	t[i] = p.format.Leaf(e)
	return true
}

// Protection returns the permissions of the leaf mapping gpa.
func (p *PageTables) Protection(gpa hostarch.Addr) (hostarch.AccessType, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, i, ok := p.leaf(gpa)
	if !ok {
		return hostarch.NoAccess, false
	}
	return p.format.Access(t[i]), true
}

// SetProtection replaces the permissions of the leaf mapping gpa, keeping
// its address and memory type.
func (p *PageTables) SetProtection(gpa hostarch.Addr, at hostarch.AccessType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, i, ok := p.leaf(gpa)
	if !ok {
		return false
	}
	t[i] = p.format.Leaf(p.format.SetAccess(t[i], at))
	return true
}

// Translate walks the table from its root, through the allocator, and
// returns the physical address gpa maps to. It returns (Unmapped, false) if
// any level is invalid.
func (p *PageTables) Translate(gpa hostarch.Addr) (uint64, bool) {
	if uint64(gpa) >= p.span {
		return Unmapped, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	table := p.alloc.LookupPTEs(p.rootPhysical)
	for _, shift := range []uint{topShift, middleShift} {
		if table == nil {
			return Unmapped, false
		}
		e := table[(uint64(gpa)>>shift)&entriesMask]
		if !p.format.Present(e) {
			return Unmapped, false
		}
		table = p.alloc.LookupPTEs(p.format.Address(e))
	}
	if table == nil {
		return Unmapped, false
	}
	e := table[(uint64(gpa)>>leafShift)&entriesMask]
	if !p.format.Present(e) {
		return Unmapped, false
	}
	return uint64(p.format.Address(e)) | uint64(gpa&hostarch.PageMask), true
}

// Flush invalidates cached translations derived from the table and returns
// the new generation.
func (p *PageTables) Flush() uint64 {
	return p.generation.Add(1)
}

// Generation returns the number of flushes so far.
func (p *PageTables) Generation() uint64 {
	return p.generation.Load()
}

// Leaves calls fn for every leaf entry in guest-physical order until fn
// returns false.
func (p *PageTables) Leaves(fn func(gpa hostarch.Addr, e PTE) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for ti, t := range p.leaves {
		for j := range t {
			if !fn(hostarch.PageAddr(uint64(ti)<<entriesShift|uint64(j)), t[j]) {
				return
			}
		}
	}
}

