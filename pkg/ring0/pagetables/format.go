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

// Attrs are the attributes of a leaf mapping.
type Attrs struct {
	Access hostarch.AccessType
	Memory hostarch.MemoryType
}

// DefaultAttrs are the attributes of an ordinary identity mapping.
var DefaultAttrs = Attrs{Access: hostarch.AnyAccess, Memory: hostarch.MemoryTypeWriteBack}

// Format encodes entries for one second-level translation format.
//
// Every format supported here has the same geometry: TopEntries() top-level
// entries, each pointing at a full middle table, each middle entry pointing
// at a full leaf table of 4K pages.
type Format interface {
	// Name identifies the format.
	Name() string

	// TopEntries is the number of entries used in the top-level table.
	TopEntries() int

	// Table returns the entry at level (0 for top, 1 for middle) pointing
	// at the table at physical address pa.
	Table(level int, pa hostarch.Addr) PTE

	// Page returns a leaf entry mapping pa with attrs.
	Page(pa hostarch.Addr, attrs Attrs) PTE

	// Leaf normalizes a leaf entry before it is stored. It clears the
	// bits that must never be set on a leaf installed by the builder or
	// through SetEntry.
	Leaf(p PTE) PTE

	// Present returns true iff p is a valid entry.
	Present(p PTE) bool

	// Address returns the physical address p points at.
	Address(p PTE) hostarch.Addr

	// Access returns the permissions of a leaf entry.
	Access(p PTE) hostarch.AccessType

	// SetAccess returns p with its permissions replaced. NoAccess makes
	// the entry invalid but keeps its address.
	SetAccess(p PTE, at hostarch.AccessType) PTE

	// RootPointer composes the value loaded into the translation base
	// register for a table rooted at root.
	RootPointer(root hostarch.Addr, vmid uint8) uint64
}

// Span returns the guest-physical span covered by f.
func Span(f Format) uint64 {
	return uint64(f.TopEntries()) << topShift
}

// ParseFormat returns the format named by s.
func ParseFormat(s string, stage2L1Entries int) (Format, error) {
	switch s {
	case "pae":
		return PAE(), nil
	case "stage2":
		return Stage2(stage2L1Entries)
	default:
		return nil, fmt.Errorf("unknown page table format %q", s)
	}
}
