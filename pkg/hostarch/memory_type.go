// Copyright 2025 The gVisor Authors.
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


package hostarch

import "fmt"

// MemoryType is the cacheability a second-level leaf gives the page it maps.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is ordinary slab and guest RAM. It is the zero
	// value, so leaves built with default attributes are cacheable.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is for framebuffer-like regions.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is for device regions of the memory layout, such as
	// the I/O and local APIC pages.
	MemoryTypeUncached
)

var memoryTypeNames = [...]string{
	MemoryTypeWriteBack:    "WB",
	MemoryTypeWriteCombine: "WC",
	MemoryTypeUncached:     "UC",
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if int(mt) < len(memoryTypeNames) {
		return memoryTypeNames[mt]
	}
	return fmt.Sprintf("MemoryType(%d)", mt)
}

// Cacheable returns true iff the CPU may cache reads and writes of the page.
// Formats without a write-combining encoding treat it as uncached.
func (mt MemoryType) Cacheable() bool {
	return mt == MemoryTypeWriteBack
}
