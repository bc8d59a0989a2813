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

//go:build linux

package pagetables

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"slabvisor.dev/slabvisor/pkg/hostarch"
)

// mmapChunkPages is the number of tables mapped per mmap call.
const mmapChunkPages = 512

// MmapAllocator hands out tables carved from anonymous private mappings.
// The kernel zeroes the pages, and the mappings are outside the Go heap so
// table addresses never move.
type MmapAllocator struct {
	mu     sync.Mutex
	chunks [][]byte
	free   []byte
	index  tableIndex
}

// NewMmapAllocator returns an allocator backed by anonymous mappings.
func NewMmapAllocator() (*MmapAllocator, error) {
	a := &MmapAllocator{}
	if err := a.grow(); err != nil {
		return nil, err
	}
	return a, nil
}

// grow maps a new chunk. Preconditions: a.mu is held or a is not shared.
func (a *MmapAllocator) grow() error {
	b, err := unix.Mmap(-1, 0, mmapChunkPages*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap page table chunk: %w", err)
	}
	a.chunks = append(a.chunks, b)
	a.free = b
	return nil
}

// NewPTEs implements Allocator.NewPTEs. It panics if the host is out of
// memory, as the runtime allocator would.
func (a *MmapAllocator) NewPTEs() *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		if err := a.grow(); err != nil {
			panic(err)
		}
	}
	ptes := (*PTEs)(unsafe.Pointer(&a.free[0]))
	a.free = a.free[hostarch.PageSize:]
	a.index.add(a.PhysicalFor(ptes), ptes)
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *MmapAllocator) PhysicalFor(ptes *PTEs) hostarch.Addr {
	return addrOf(ptes)
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *MmapAllocator) LookupPTEs(physical hostarch.Addr) *PTEs {
	return a.index.lookup(physical)
}

// Release implements Allocator.Release.
func (a *MmapAllocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range a.chunks {
		unix.Munmap(b)
	}
	a.chunks = nil
	a.free = nil
	a.index.reset()
}
