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
	"sync"
	"sync/atomic"

	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/metric"
)

// Allocator is used to allocate and map PTEs.
//
// Tables returned by NewPTEs are zeroed and page aligned.
type Allocator interface {
	// NewPTEs returns a new set of PTEs.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) hostarch.Addr

	// LookupPTEs looks up PTEs by physical address. It returns nil if the
	// address does not name a table from this allocator.
	LookupPTEs(physical hostarch.Addr) *PTEs

	// Release frees every table. Tables must not be used afterwards.
	Release()
}

// livePages counts the table pages handed out by every allocator and not yet
// released.
var livePages atomic.Int64

func init() {
	metric.MustRegisterCustomUint64Metric("/pagetables/pages", false /* cumulative */, false /* sync */, "Number of second-level table pages currently allocated.", func(...string) uint64 {
		return uint64(livePages.Load())
	})
}

// tableIndex tracks the tables handed out by an allocator.
type tableIndex struct {
	mu     sync.Mutex
	tables map[hostarch.Addr]*PTEs
}

func (t *tableIndex) add(physical hostarch.Addr, ptes *PTEs) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tables == nil {
		t.tables = make(map[hostarch.Addr]*PTEs)
	}
	t.tables[physical] = ptes
	livePages.Add(1)
}

func (t *tableIndex) lookup(physical hostarch.Addr) *PTEs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tables[physical]
}

func (t *tableIndex) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	livePages.Add(-int64(len(t.tables)))
	t.tables = nil
}

// RuntimeAllocator is a trivial allocator backed by the Go heap. The
// "physical" address of a table is its address in the process.
type RuntimeAllocator struct {
	index tableIndex
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return new(RuntimeAllocator)
}

// NewPTEs implements Allocator.NewPTEs.
//
// PTEs is exactly one page, so the runtime places it in a page-sized size
// class and it is page aligned.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	ptes := new(PTEs)
	r.index.add(r.PhysicalFor(ptes), ptes)
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) hostarch.Addr {
	return addrOf(ptes)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical hostarch.Addr) *PTEs {
	return r.index.lookup(physical)
}

// Release implements Allocator.Release. The tables are left to the garbage
// collector.
func (r *RuntimeAllocator) Release() {
	r.index.reset()
}
