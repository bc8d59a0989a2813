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
	"testing"

	"github.com/google/go-cmp/cmp"
	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/slab"
)

const (
	testIOTable  = 0x100000
	testDevice   = 0x200000
	testPrivIO   = 0x9000000
	testGuestIO  = 0x9003000
	testVerified = slab.ID(0)
	testApp      = slab.ID(1)
	testGuest    = slab.ID(2)
)

func testTable(t *testing.T) *slab.Table {
	t.Helper()
	layout, err := slab.NewLayout(1<<30, []slab.Region{
		{Start: testIOTable, Size: 3 * hostarch.PageSize, Kind: slab.KindIOTable, Owned: true, Owner: testVerified},
		{Start: testDevice, Size: hostarch.PageSize, Kind: slab.KindDevice},
	})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	tbl, err := slab.NewTable([]slab.Descriptor{
		{ID: testVerified, Name: "api", Type: slab.TypeVerifiedProgram},
		{ID: testApp, Name: "app", Type: slab.TypeUnverified, CallCaps: slab.Caps(testVerified), IOTableBase: testPrivIO},
		{ID: testGuest, Name: "guest", Type: slab.TypeGuest, Mode: slab.ModeGuest, Guest: slab.GuestDesc{IsGuest: true}, IOTableBase: testGuestIO},
	}, layout)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func mustStage2(t *testing.T, n int) Format {
	t.Helper()
	f, err := Stage2(n)
	if err != nil {
		t.Fatalf("Stage2(%d): %v", n, err)
	}
	return f
}

func TestPAEBuild(t *testing.T) {
	b := &Builder{
		Table:     testTable(t),
		Format:    PAE(),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testGuest},
	}
	p := b.Build(testApp)

	if got, want := p.Span(), uint64(4<<30); got != want {
		t.Errorf("Span = %#x, want %#x", got, want)
	}
	for i := 0; i < paePDPTEntries; i++ {
		if got := p.root[i] &^ paeAddrMask; got != paePresent {
			t.Errorf("PDPT[%d] flags = %#x, want present only", i, uint64(got))
		}
		middle := b.Allocator.LookupPTEs(PAE().Address(p.root[i]))
		if middle == nil {
			t.Fatalf("PDPT[%d] points at an unknown table", i)
		}
		if got, want := middle[7]&^paeAddrMask, paePresent|paeWritable|paeUser; got != want {
			t.Errorf("PDT[%d][7] flags = %#x, want %#x", i, uint64(got), uint64(want))
		}
	}
	for _, e := range p.root[paePDPTEntries:] {
		if e != 0 {
			t.Fatalf("unused PDPT entry %v is set", e)
		}
	}

	leaves := 0
	p.Leaves(func(gpa hostarch.Addr, e PTE) bool {
		leaves++
		if e&paeSuper != 0 {
			t.Fatalf("leaf %v = %v has bit 7 set", gpa, e)
		}
		return true
	})
	if got, want := leaves, 4*512*512; got != want {
		t.Errorf("leaves = %d, want %d", got, want)
	}

	for _, tc := range []struct {
		gpa  hostarch.Addr
		want PTE
	}{
		{0, paePresent | paeWritable | paeUser},
		{testIOTable, testPrivIO | paePresent | paeWritable | paeUser},
		{testIOTable + 0x1000, (testPrivIO + 0x1000) | paePresent | paeWritable | paeUser},
		{testIOTable + 0x2000, (testPrivIO + 0x2000) | paePresent | paeWritable | paeUser},
		{testIOTable + 0x3000, (testIOTable + 0x3000) | paePresent | paeWritable | paeUser},
		{testDevice, testDevice | paePresent | paeWritable | paeUser | paeCacheDisable | paeWriteThrough},
		{0xfffff000, 0xfffff000 | paePresent | paeWritable | paeUser},
	} {
		got, ok := p.Entry(tc.gpa)
		if !ok || got != tc.want {
			t.Errorf("Entry(%v) = %v, %t, want %v", tc.gpa, got, ok, tc.want)
		}
	}
}

func TestBuildVerifiedKeepsIOTable(t *testing.T) {
	b := &Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testVerified, Last: testGuest},
	}
	p := b.Build(testVerified)
	for k := hostarch.Addr(0); k < 3; k++ {
		gpa := testIOTable + k*hostarch.PageSize
		if got, ok := p.Translate(gpa); !ok || got != uint64(gpa) {
			t.Errorf("Translate(%v) = %#x, %t, want identity", gpa, got, ok)
		}
	}
}

func TestBuildOutsideWindowHalts(t *testing.T) {
	b := &Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testGuest},
	}
	if f := halt.Catch(func() { b.Build(testVerified) }); f == nil {
		t.Errorf("Build(%d) outside %v did not halt", testVerified, b.Window)
	}
	if f := halt.Catch(func() { b.Build(slab.ID(3)) }); f == nil {
		t.Errorf("Build(3) outside %v did not halt", b.Window)
	}
}

func TestBuildLayoutTooLargeHalts(t *testing.T) {
	layout, err := slab.NewLayout(2<<30, []slab.Region{
		{Start: testIOTable, Size: 3 * hostarch.PageSize, Kind: slab.KindIOTable},
	})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	tbl, err := slab.NewTable([]slab.Descriptor{{ID: 0, Name: "api", Type: slab.TypeVerifiedProgram}}, layout)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	b := &Builder{Table: tbl, Format: mustStage2(t, 1), Allocator: NewRuntimeAllocator()}
	if f := halt.Catch(func() { b.Build(0) }); f == nil {
		t.Errorf("Build with a 2GB layout on a 1GB format did not halt")
	}
}

func TestStage2Build(t *testing.T) {
	f := mustStage2(t, 1)
	b := &Builder{
		Table:     testTable(t),
		Format:    f,
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testGuest},
	}
	p := b.Build(testGuest)

	if got, want := p.root[0]&^s2AddrMask, s2Valid|s2Table; got != want {
		t.Errorf("L1[0] flags = %#x, want %#x", uint64(got), uint64(want))
	}
	if p.root[1] != 0 {
		t.Errorf("L1[1] = %v, want invalid", p.root[1])
	}

	normal := s2Valid | s2Table | s2MemAttrNormalWB | s2APRead | s2APWrite | s2SHOuter | s2AccessFlag
	for _, tc := range []struct {
		gpa  hostarch.Addr
		want PTE
	}{
		{0, normal},
		{0xf000, 0xf000 | normal},
		{testIOTable, testGuestIO | normal},
		{testIOTable + 0x2000, (testGuestIO + 0x2000) | normal},
		{testIOTable + 0x3000, (testIOTable + 0x3000) | normal},
		{testDevice, testDevice | s2Valid | s2Table | s2MemAttrDevice | s2APRead | s2APWrite | s2AccessFlag},
		{testDevice + 0x1000, (testDevice + 0x1000) | normal},
	} {
		got, ok := p.Entry(tc.gpa)
		if !ok || got != tc.want {
			t.Errorf("Entry(%v) = %v, %t, want %v", tc.gpa, got, ok, tc.want)
		}
	}
	if got, want := memAttrOf(normal), s2MemAttrNormalWB; got != want {
		t.Errorf("MemAttr = %#x, want %#x", uint64(got), uint64(want))
	}

	// Caller-supplied entries lose the contiguous hint.
	if !p.SetEntry(0x3000, 0x3000|normal|s2Contiguous) {
		t.Fatalf("SetEntry failed")
	}
	if e, _ := p.Entry(0x3000); e != 0x3000|normal {
		t.Errorf("Entry after SetEntry = %v, want %v", e, 0x3000|normal)
	}
	if !p.SetProtection(0x3000, hostarch.ReadExec) {
		t.Fatalf("SetProtection failed")
	}
	if got, _ := p.Protection(0x3000); got != hostarch.ReadExec {
		t.Errorf("Protection = %v, want %v", got, hostarch.ReadExec)
	}
}

func TestUnverifiedTablesDifferOnlyInIOTable(t *testing.T) {
	for _, f := range []Format{PAE(), mustStage2(t, 1)} {
		t.Run(f.Name(), func(t *testing.T) {
			b := &Builder{
				Table:     testTable(t),
				Format:    f,
				Allocator: NewRuntimeAllocator(),
				Window:    Window{First: testVerified, Last: testGuest},
			}
			verified := b.Build(testVerified)
			for _, id := range []slab.ID{testApp, testGuest} {
				unverified := b.Build(id)
				if len(verified.leaves) != len(unverified.leaves) {
					t.Fatalf("slab %d has %d leaf tables, want %d", id, len(unverified.leaves), len(verified.leaves))
				}
				var diffs []hostarch.Addr
				for ti := range verified.leaves {
					for i := range verified.leaves[ti] {
						if verified.leaves[ti][i] != unverified.leaves[ti][i] {
							diffs = append(diffs, hostarch.PageAddr(uint64(ti<<entriesShift|i)))
						}
					}
				}
				want := []hostarch.Addr{testIOTable, testIOTable + 0x1000, testIOTable + 0x2000}
				if diff := cmp.Diff(want, diffs); diff != "" {
					t.Errorf("slab %d leaves differing from the verified table (-want +got):\n%s", id, diff)
				}
			}
		})
	}
}

func memAttrOf(p PTE) PTE {
	return p & s2MemAttrMask
}

func TestPeerOperations(t *testing.T) {
	for _, f := range []Format{PAE(), mustStage2(t, 4)} {
		t.Run(f.Name(), func(t *testing.T) {
			b := &Builder{
				Table:     testTable(t),
				Format:    f,
				Allocator: NewRuntimeAllocator(),
				Window:    Window{First: testApp, Last: testApp},
			}
			p := b.Build(testApp)

			if got, ok := p.Translate(testIOTable + 0x1234); !ok || got != testPrivIO+0x1234 {
				t.Errorf("Translate(iotable+0x1234) = %#x, %t, want %#x", got, ok, testPrivIO+0x1234)
			}
			if got, ok := p.Translate(0x5678); !ok || got != 0x5678 {
				t.Errorf("Translate(0x5678) = %#x, %t, want identity", got, ok)
			}
			if got, ok := p.Translate(hostarch.Addr(p.Span())); ok || got != Unmapped {
				t.Errorf("Translate(span) = %#x, %t, want unmapped", got, ok)
			}

			if got, _ := p.Protection(0x5000); got != hostarch.AnyAccess {
				t.Errorf("Protection = %v, want %v", got, hostarch.AnyAccess)
			}
			p.SetProtection(0x5000, hostarch.NoAccess)
			if got, ok := p.Translate(0x5000); ok || got != Unmapped {
				t.Errorf("Translate after revoke = %#x, %t, want unmapped", got, ok)
			}
			p.SetProtection(0x5000, hostarch.ReadWrite)
			if got, ok := p.Translate(0x5000); !ok || got != 0x5000 {
				t.Errorf("Translate after restore = %#x, %t, want 0x5000", got, ok)
			}
			if got, _ := p.Protection(0x5000); got != hostarch.ReadWrite {
				t.Errorf("Protection = %v, want %v", got, hostarch.ReadWrite)
			}

			e := f.Page(0x7000, DefaultAttrs)
			if !p.SetEntry(0x6000, e) {
				t.Fatalf("SetEntry failed")
			}
			if got, ok := p.Translate(0x6010); !ok || got != 0x7010 {
				t.Errorf("Translate(0x6010) = %#x, %t, want 0x7010", got, ok)
			}
			if p.SetEntry(hostarch.Addr(p.Span()), e) || p.SetProtection(hostarch.Addr(p.Span()), hostarch.Read) {
				t.Errorf("edit outside span succeeded")
			}
			if _, ok := p.Entry(hostarch.Addr(p.Span())); ok {
				t.Errorf("Entry outside span succeeded")
			}

			if got := p.Generation(); got != 0 {
				t.Errorf("Generation = %d, want 0", got)
			}
			p.Flush()
			if got := p.Flush(); got != 2 {
				t.Errorf("Flush = %d, want 2", got)
			}
		})
	}
}

func TestPAESetEntryClearsBit7(t *testing.T) {
	b := &Builder{
		Table:     testTable(t),
		Format:    PAE(),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testApp},
	}
	p := b.Build(testApp)
	p.SetEntry(0x1000, 0x1000|paePresent|paeSuper)
	if got, _ := p.Entry(0x1000); got != 0x1000|paePresent {
		t.Errorf("Entry = %v, want %v", got, PTE(0x1000|paePresent))
	}
}

func TestRootPointer(t *testing.T) {
	if got, want := mustStage2(t, 1).RootPointer(0x80000000, 5), uint64(0x0005000080000000); got != want {
		t.Errorf("stage2 RootPointer = %#x, want %#x", got, want)
	}
	if got, want := PAE().RootPointer(0x1000, 5), uint64(0x1000); got != want {
		t.Errorf("PAE RootPointer = %#x, want %#x", got, want)
	}
}

func TestStage2Range(t *testing.T) {
	for _, n := range []int{0, -1, 513} {
		if _, err := Stage2(n); err == nil {
			t.Errorf("Stage2(%d) succeeded", n)
		}
	}
}

func TestAccessEncoding(t *testing.T) {
	for _, f := range []Format{PAE(), mustStage2(t, 1)} {
		for _, at := range []hostarch.AccessType{hostarch.Read, hostarch.ReadWrite, hostarch.ReadExec, hostarch.AnyAccess, hostarch.NoAccess} {
			e := f.Page(0x4000, Attrs{Access: at})
			if got := f.Access(e); got != at {
				t.Errorf("%s: Access(Page(%v)) = %v", f.Name(), at, got)
			}
			if got := f.Address(e); got != 0x4000 {
				t.Errorf("%s: Address = %v, want 0x4000", f.Name(), got)
			}
		}
	}
}

func TestUnverifiedWindow(t *testing.T) {
	w, ok := UnverifiedWindow(slab.Default())
	if diff := cmp.Diff(Window{First: slab.AppTest, Last: slab.GuestPrimary}, w); !ok || diff != "" {
		t.Errorf("UnverifiedWindow mismatch (ok %t, -want +got):\n%s", ok, diff)
	}
}

func TestShapes(t *testing.T) {
	set := NewSet(&Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testGuest, Last: testGuest},
	})
	s := NewShapes(set, testGuest)
	if _, ok := s.Get(0); ok {
		t.Fatalf("Get before EstablishShape succeeded")
	}
	s.EstablishShape(partition.PartitionIndex(0))
	p, ok := s.Get(0)
	if !ok {
		t.Fatalf("Get after EstablishShape failed")
	}
	if got := p.Slab(); got != testGuest {
		t.Errorf("Slab = %d, want %d", got, testGuest)
	}
	if got, ok := p.Translate(testIOTable); !ok || got != testGuestIO {
		t.Errorf("Translate(iotable) = %#x, %t, want %#x", got, ok, testGuestIO)
	}
}

func TestShapesShareSetTables(t *testing.T) {
	set := NewSet(&Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testGuest, Last: testGuest},
	})
	s := NewShapes(set, testGuest)
	s.EstablishShape(0)
	s.EstablishShape(1)
	shape, _ := s.Get(0)
	other, _ := s.Get(1)
	edited, ok := set.Get(testGuest)
	if !ok {
		t.Fatalf("Get(%d) failed", testGuest)
	}
	if shape != edited || other != edited {
		t.Fatalf("partition shapes are not the set's table for slab %d", testGuest)
	}
	if !edited.SetProtection(0x5000, hostarch.Read) {
		t.Fatalf("SetProtection failed")
	}
	if got, ok := shape.Protection(0x5000); !ok || got != hostarch.Read {
		t.Errorf("shape Protection = %v, %t after editing the set's table, want %v", got, ok, hostarch.Read)
	}
	if got := set.Built(); got != 1 {
		t.Errorf("Built = %d, want 1", got)
	}
}

func TestShapesMissingGuestHalts(t *testing.T) {
	set := NewSet(&Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testApp},
	})
	s := NewShapes(set, testGuest)
	if f := halt.Catch(func() { s.EstablishShape(0) }); f == nil {
		t.Errorf("EstablishShape with the guest outside the window did not halt")
	}
}

func TestRuntimeAllocator(t *testing.T) {
	a := NewRuntimeAllocator()
	ptes := a.NewPTEs()
	phys := a.PhysicalFor(ptes)
	if !phys.IsPageAligned() {
		t.Errorf("table at %v is not page aligned", phys)
	}
	if got := a.LookupPTEs(phys); got != ptes {
		t.Errorf("LookupPTEs(%v) = %p, want %p", phys, got, ptes)
	}
	a.Release()
	if got := a.LookupPTEs(phys); got != nil {
		t.Errorf("LookupPTEs after Release = %p, want nil", got)
	}
}

func TestLivePages(t *testing.T) {
	before := livePages.Load()
	a := NewRuntimeAllocator()
	for i := 0; i < 3; i++ {
		a.NewPTEs()
	}
	if got := livePages.Load(); got != before+3 {
		t.Errorf("live pages = %d, want %d", got, before+3)
	}
	a.Release()
	if got := livePages.Load(); got != before {
		t.Errorf("live pages after Release = %d, want %d", got, before)
	}
}

func TestSet(t *testing.T) {
	s := NewSet(&Builder{
		Table:     testTable(t),
		Format:    mustStage2(t, 1),
		Allocator: NewRuntimeAllocator(),
		Window:    Window{First: testApp, Last: testGuest},
	})
	if _, ok := s.Get(testVerified); ok {
		t.Errorf("Get(%d) outside the window succeeded", testVerified)
	}
	if _, ok := s.Get(7); ok {
		t.Errorf("Get(7) succeeded")
	}
	first, ok := s.Get(testApp)
	if !ok {
		t.Fatalf("Get(%d) failed", testApp)
	}
	again, _ := s.Get(testApp)
	if first != again {
		t.Errorf("Get(%d) rebuilt the table", testApp)
	}
	if got := s.Built(); got != 1 {
		t.Errorf("Built = %d, want 1", got)
	}
	before := buildsMetric.Value("stage2")
	s.Get(testGuest)
	if got := buildsMetric.Value("stage2"); got != before+1 {
		t.Errorf("stage2 builds = %d, want %d", got, before+1)
	}
}
