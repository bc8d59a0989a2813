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
	"errors"
	"fmt"

	"github.com/google/btree"
	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// Kind is the kind of a guest-physical region.
type Kind uint8

// Region kinds.
const (
	// KindMemory is ordinary memory. Addresses covered by no region are
	// KindMemory.
	KindMemory Kind = iota
	KindCode
	KindData
	KindStack
	KindDMA

	// KindIOTable is the distinguished I/O table region.
	KindIOTable

	// KindDevice is MMIO and is mapped uncached.
	KindDevice
)

var kindNames = [...]string{
	KindMemory:  "memory",
	KindCode:    "code",
	KindData:    "data",
	KindStack:   "stack",
	KindDMA:     "dma",
	KindIOTable: "iotable",
	KindDevice:  "device",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown region kind %q", s)
}

// Region is a contiguous guest-physical range.
type Region struct {
	Start hostarch.Addr
	Size  uint64
	Kind  Kind

	// Owned is set if Owner names the slab the region belongs to.
	Owned bool
	Owner ID
}

// End returns the first address past the region.
func (r Region) End() hostarch.Addr {
	return r.Start + hostarch.Addr(r.Size)
}

// Contains returns true iff addr is in the region.
func (r Region) Contains(addr hostarch.Addr) bool {
	return addr >= r.Start && addr < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("[%v, %v) %v", r.Start, r.End(), r.Kind)
}

func regionLess(a, b Region) bool {
	return a.Start < b.Start
}

// ErrBadLayout is returned by NewLayout.
var ErrBadLayout = errors.New("bad memory layout")

// Layout is the platform's guest-physical memory map. It is immutable once
// built.
type Layout struct {
	span    uint64
	tree    *btree.BTreeG[Region]
	iotable Region
}

// NewLayout builds a layout covering [0, span).
//
// Regions must be page aligned, lie inside the span, and not overlap.
// Exactly one region must be of kind KindIOTable, IOTablePages long.
func NewLayout(span uint64, regions []Region) (*Layout, error) {
	if span == 0 || !hostarch.Addr(span).IsPageAligned() {
		return nil, fmt.Errorf("%w: span %#x", ErrBadLayout, span)
	}
	l := &Layout{
		span: span,
		tree: btree.NewG[Region](8, regionLess),
	}
	iotables := 0
	for _, r := range regions {
		if r.Size == 0 || !r.Start.IsPageAligned() || !hostarch.Addr(r.Size).IsPageAligned() {
			return nil, fmt.Errorf("%w: region %v is not page aligned", ErrBadLayout, r)
		}
		if uint64(r.Start) >= span || r.Size > span-uint64(r.Start) {
			return nil, fmt.Errorf("%w: region %v outside span %#x", ErrBadLayout, r, span)
		}
		if prev, ok := l.Find(r.Start); ok {
			return nil, fmt.Errorf("%w: %v overlaps %v", ErrBadLayout, r, prev)
		}
		// A region starting inside r is not found by the lookup above.
		overlap := false
		l.tree.AscendGreaterOrEqual(Region{Start: r.Start}, func(next Region) bool {
			overlap = next.Start < r.End()
			return false
		})
		if overlap {
			return nil, fmt.Errorf("%w: %v overlaps a later region", ErrBadLayout, r)
		}
		if r.Kind == KindIOTable {
			if r.Size != IOTablePages*hostarch.PageSize {
				return nil, fmt.Errorf("%w: I/O table %v must be %d pages", ErrBadLayout, r, IOTablePages)
			}
			iotables++
			l.iotable = r
		}
		l.tree.ReplaceOrInsert(r)
	}
	if iotables != 1 {
		return nil, fmt.Errorf("%w: %d I/O table regions, want 1", ErrBadLayout, iotables)
	}
	return l, nil
}

// Span returns the size of the guest-physical address space.
func (l *Layout) Span() uint64 {
	return l.span
}

// IOTable returns the distinguished I/O table region.
func (l *Layout) IOTable() Region {
	return l.iotable
}

// Find returns the region holding addr, if any.
func (l *Layout) Find(addr hostarch.Addr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	l.tree.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		found, ok = r, r.Contains(addr)
		return false
	})
	return found, ok
}

// Regions returns every region in address order.
func (l *Layout) Regions() []Region {
	rs := make([]Region, 0, l.tree.Len())
	l.tree.Ascend(func(r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
