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

	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/metric"
	"slabvisor.dev/slabvisor/pkg/slab"
)

var buildsMetric = metric.MustCreateNewUint64Metric("/pagetables/built", false /* sync */, "Number of second-level tables built.",
	metric.NewField("format", []string{"pae", "stage2"}))

// Window is the inclusive range of slab ids a Builder serves.
type Window struct {
	First, Last slab.ID
}

// Contains returns true iff id is in the window.
func (w Window) Contains(id slab.ID) bool {
	return id >= w.First && id <= w.Last
}

// String implements fmt.Stringer.String.
func (w Window) String() string {
	return fmt.Sprintf("[%d, %d]", w.First, w.Last)
}

// UnverifiedWindow returns the smallest window holding every slab of t that
// is neither a verified program nor a verified sentinel. ok is false if
// there is none.
func UnverifiedWindow(t *slab.Table) (w Window, ok bool) {
	for _, d := range t.Rows() {
		if d.Type.Verified() {
			continue
		}
		if !ok || d.ID < w.First {
			w.First = d.ID
		}
		if !ok || d.ID > w.Last {
			w.Last = d.ID
		}
		ok = true
	}
	return w, ok
}

// Builder populates second-level tables from the slab table.
type Builder struct {
	// Table supplies slab types, I/O table bases and the memory layout.
	Table *slab.Table

	// Format encodes entries.
	Format Format

	// Allocator provides zeroed table pages.
	Allocator Allocator

	// Window bounds the slab ids this builder may build for. Building
	// outside it is a fatal error.
	Window Window
}

// Build populates a table for slab id.
//
// Every leaf is an identity mapping with default attributes (uncached for
// device regions), except the three leaves of the I/O table region when the
// slab is not verified: those map the slab's private I/O table pages.
func (b *Builder) Build(id slab.ID) *PageTables {
	if !b.Window.Contains(id) {
		halt.Halt("slab %d outside page table window %v", id, b.Window)
	}
	d, ok := b.Table.Lookup(id)
	if !ok {
		halt.Halt("slab %d not in the slab table", id)
	}
	span := Span(b.Format)
	if layout := b.Table.Layout().Span(); layout > span {
		halt.Halt("memory layout span %#x exceeds %s span %#x", layout, b.Format.Name(), span)
	}

	p := b.allocate(id, span)
	f := b.Format
	remap := !d.Type.Verified()
	total := int(span >> leafShift)
	for i := 0; i < total; i++ {
		gpa := hostarch.PageAddr(uint64(i))
		c := b.Table.Classify(gpa)
		if c.Kind == slab.KindIOTable && remap {
			for k := 0; k < slab.IOTablePages; k++ {
				pa := d.IOTableBase + hostarch.Addr(k*hostarch.PageSize)
				p.setLeaf(i+k, f.Leaf(f.Page(pa, DefaultAttrs)))
			}
			i += slab.IOTablePages - 1
			continue
		}
		attrs := DefaultAttrs
		if c.Kind == slab.KindDevice {
			attrs.Memory = hostarch.MemoryTypeUncached
		}
		p.setLeaf(i, f.Leaf(f.Page(gpa, attrs)))
	}
	buildsMetric.Increment(f.Name())

	log.Debugf("Built %s page tables for slab %d (%s): root %v, %d leaves", f.Name(), id, d.Name, p.rootPhysical, total)
	return p
}

// allocate builds the table structure: the top-level table with one entry
// per middle table, and every middle entry pointing at a zeroed leaf table.
func (b *Builder) allocate(id slab.ID, span uint64) *PageTables {
	f, a := b.Format, b.Allocator
	p := &PageTables{
		slab:   id,
		format: f,
		alloc:  a,
		span:   span,
		root:   a.NewPTEs(),
		leaves: make([]*PTEs, 0, f.TopEntries()*entriesPerPage),
	}
	p.rootPhysical = a.PhysicalFor(p.root)
	for i := 0; i < f.TopEntries(); i++ {
		middle := a.NewPTEs()
		p.root[i] = f.Table(0, a.PhysicalFor(middle))
		for j := range middle {
			leaf := a.NewPTEs()
			middle[j] = f.Table(1, a.PhysicalFor(leaf))
			p.leaves = append(p.leaves, leaf)
		}
	}
	return p
}

func (p *PageTables) setLeaf(i int, e PTE) {
	p.leaves[i>>entriesShift][i&entriesMask] = e
}
