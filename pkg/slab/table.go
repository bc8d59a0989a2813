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

// Package slab holds the static capability table describing every slab and
// the guest-physical memory layout the slabs share.
//
// The table is populated once, before any CPU is admitted, and is read-only
// afterwards: there are no mutation operations. It is consulted by the
// dispatch gateway for call capabilities and by the page-table builder for
// I/O table remapping.
package slab

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// ID identifies a slab. IDs are statically assigned.
type ID uint32

// MaxSlabs is the number of slab ids a CapSet can describe.
const MaxSlabs = 64

// IOTablePages is the size of a slab's private I/O table, in pages.
const IOTablePages = 3

// Type is the verification status of a slab.
type Type uint8

// Slab types.
const (
	// TypeVerifiedProgram is a verified trusted component.
	TypeVerifiedProgram Type = iota

	// TypeVerifiedSentinel is a verified call/return gate.
	TypeVerifiedSentinel

	// TypeUnverified is an unverified hypervisor component.
	TypeUnverified

	// TypeGuest is a guest.
	TypeGuest
)

var typeNames = map[Type]string{
	TypeVerifiedProgram:  "verified-program",
	TypeVerifiedSentinel: "verified-sentinel",
	TypeUnverified:       "unverified",
	TypeGuest:            "guest",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Verified returns true for the types whose address space is never
// substituted.
func (t Type) Verified() bool {
	return t == TypeVerifiedProgram || t == TypeVerifiedSentinel
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown slab type %q", s)
}

// Mode is the execution mode tag of a slab.
type Mode uint8

// Execution modes.
const (
	ModeHypervisor Mode = iota
	ModeGuest
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeHypervisor:
		return "hypervisor"
	case ModeGuest:
		return "guest"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// CapSet is a set of callable slab ids, one bit per id.
type CapSet uint64

// Caps returns the set holding ids.
func Caps(ids ...ID) CapSet {
	var c CapSet
	for _, id := range ids {
		c |= 1 << id
	}
	return c
}

// Has returns true iff id is in the set.
func (c CapSet) Has(id ID) bool {
	return id < MaxSlabs && c&(1<<id) != 0
}

// IDs returns the members of the set in ascending order.
func (c CapSet) IDs() []ID {
	var ids []ID
	for c != 0 {
		i := bits.TrailingZeros64(uint64(c))
		ids = append(ids, ID(i))
		c &^= 1 << i
	}
	return ids
}

// Privilege is a mask of operation groups a slab may invoke through the
// dispatch gateway.
type Privilege uint32

// Operation groups.
const (
	PrivHPT Privilege = 1 << iota
	PrivTrapMask
	PrivCPUState
	PrivPartition
	PrivPlatform
	PrivEvents

	PrivAll = PrivHPT | PrivTrapMask | PrivCPUState | PrivPartition | PrivPlatform | PrivEvents
)

var privilegeNames = []struct {
	p    Privilege
	name string
}{
	{PrivHPT, "hpt"},
	{PrivTrapMask, "trapmask"},
	{PrivCPUState, "cpustate"},
	{PrivPartition, "partition"},
	{PrivPlatform, "platform"},
	{PrivEvents, "events"},
}

// String implements fmt.Stringer.String.
func (p Privilege) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	for _, pn := range privilegeNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
			p &^= pn.p
		}
	}
	if p != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(p)))
	}
	return strings.Join(names, "|")
}

// ParsePrivilege parses a single group name.
func ParsePrivilege(s string) (Privilege, error) {
	if s == "all" {
		return PrivAll, nil
	}
	for _, pn := range privilegeNames {
		if pn.name == s {
			return pn.p, nil
		}
	}
	return 0, fmt.Errorf("unknown privilege %q", s)
}

// GuestDesc is the guest-descriptor tuple of a table row.
type GuestDesc struct {
	IsGuest  bool
	Caps     uint64
	Reserved [4]uint32
}

// Descriptor is one row of the capability table.
type Descriptor struct {
	ID   ID
	Name string
	Type Type

	// Privileges is the privilege mask.
	Privileges Privilege

	// CallCaps is the set of slabs this slab may call.
	CallCaps CapSet

	Guest GuestDesc
	Mode  Mode

	// IOTableBase is the host-physical base of the slab's private I/O
	// table, IOTablePages long.
	IOTableBase hostarch.Addr
}

// Errors returned by NewTable.
var (
	ErrDuplicateSlab  = errors.New("duplicate slab")
	ErrSlabRange      = errors.New("slab id out of range")
	ErrUnknownCallee  = errors.New("call capability names an unknown slab")
	ErrGuestEscalates = errors.New("guest slab holds a capability over a hypervisor slab")
	ErrBadRow         = errors.New("malformed slab row")
	ErrUnknownOwner   = errors.New("layout region owned by an unknown slab")
)

// Table is the slab capability table. It is immutable.
type Table struct {
	rows   [MaxSlabs]Descriptor
	valid  CapSet
	layout *Layout
}

// NewTable validates rows and layout and returns the table.
//
// The guest invariant is checked here, once: no guest-type slab may be
// granted a call capability over a non-guest slab. It is never checked
// again at runtime.
func NewTable(rows []Descriptor, layout *Layout) (*Table, error) {
	if layout == nil {
		return nil, fmt.Errorf("%w: no memory layout", ErrBadRow)
	}
	t := &Table{layout: layout}
	names := make(map[string]ID, len(rows))
	for _, d := range rows {
		if d.ID >= MaxSlabs {
			return nil, fmt.Errorf("%w: %d", ErrSlabRange, d.ID)
		}
		if t.valid.Has(d.ID) {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicateSlab, d.ID)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("%w: slab %d has no name", ErrBadRow, d.ID)
		}
		if other, ok := names[d.Name]; ok {
			return nil, fmt.Errorf("%w: name %q used by %d and %d", ErrDuplicateSlab, d.Name, other, d.ID)
		}
		isGuest := d.Type == TypeGuest
		if isGuest != (d.Mode == ModeGuest) || isGuest != d.Guest.IsGuest {
			return nil, fmt.Errorf("%w: slab %q type %v, mode %v, guest flag %t disagree", ErrBadRow, d.Name, d.Type, d.Mode, d.Guest.IsGuest)
		}
		if !d.Type.Verified() && (d.IOTableBase == 0 || !d.IOTableBase.IsPageAligned()) {
			return nil, fmt.Errorf("%w: slab %q needs a page-aligned I/O table, got %v", ErrBadRow, d.Name, d.IOTableBase)
		}
		names[d.Name] = d.ID
		t.rows[d.ID] = d
		t.valid |= Caps(d.ID)
	}
	for _, id := range t.valid.IDs() {
		d := &t.rows[id]
		if unknown := d.CallCaps &^ t.valid; unknown != 0 {
			return nil, fmt.Errorf("%w: %q -> %v", ErrUnknownCallee, d.Name, unknown.IDs())
		}
		if d.Type != TypeGuest {
			continue
		}
		for _, callee := range d.CallCaps.IDs() {
			if t.rows[callee].Type != TypeGuest {
				return nil, fmt.Errorf("%w: %q -> %q", ErrGuestEscalates, d.Name, t.rows[callee].Name)
			}
		}
	}
	for _, r := range layout.Regions() {
		if r.Owned && !t.valid.Has(r.Owner) {
			return nil, fmt.Errorf("%w: %v region at %v owned by %d", ErrUnknownOwner, r.Kind, r.Start, r.Owner)
		}
	}
	return t, nil
}

// Lookup returns the row for id.
func (t *Table) Lookup(id ID) (Descriptor, bool) {
	if !t.valid.Has(id) {
		return Descriptor{}, false
	}
	return t.rows[id], true
}

// ByName returns the row with the given name.
func (t *Table) ByName(name string) (Descriptor, bool) {
	for _, id := range t.valid.IDs() {
		if t.rows[id].Name == name {
			return t.rows[id], true
		}
	}
	return Descriptor{}, false
}

// CanCall returns true iff both slabs exist and src holds a call capability
// over dst.
func (t *Table) CanCall(src, dst ID) bool {
	if !t.valid.Has(src) || !t.valid.Has(dst) {
		return false
	}
	return t.rows[src].CallCaps.Has(dst)
}

// Len returns the number of slabs.
func (t *Table) Len() int {
	return bits.OnesCount64(uint64(t.valid))
}

// Rows returns a copy of every row, ordered by id.
func (t *Table) Rows() []Descriptor {
	ids := t.valid.IDs()
	rows := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, t.rows[id])
	}
	return rows
}

// Layout returns the memory layout.
func (t *Table) Layout() *Layout {
	return t.layout
}

// Class is the classification of a guest-physical address.
type Class struct {
	// Kind is the kind of the region holding the address, KindMemory if
	// no region does.
	Kind Kind

	// Owned is true iff the region has an owning slab.
	Owned bool

	// Owner and OwnerType describe the owning slab when Owned is set.
	Owner     ID
	OwnerType Type
}

// Classify returns the (region, subtype) pair for gpa.
func (t *Table) Classify(gpa hostarch.Addr) Class {
	r, ok := t.layout.Find(gpa)
	if !ok {
		return Class{Kind: KindMemory}
	}
	c := Class{Kind: r.Kind}
	if r.Owned {
		c.Owned = true
		c.Owner = r.Owner
		c.OwnerType = t.rows[r.Owner].Type
	}
	return c
}
