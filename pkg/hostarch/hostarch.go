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

// Package hostarch describes the physical address space shared by every
// second-level translation: page geometry, guest-physical addresses and
// access types.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the translation granule. Both the
	// x86 PAE and the ARM LPAE stage-2 formats use 4K granules.
	PageShift = 12

	// PageSize is the translation granule.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// Addr is a guest-physical or host-physical address.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (a Addr) RoundDown() Addr {
	return a &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (a Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(a + PageSize - 1).RoundDown()
	ok = addr >= a
	return
}

// IsPageAligned returns true if a is a multiple of PageSize.
func (a Addr) IsPageAligned() bool {
	return a&PageMask == 0
}

// PageIndex returns the index of the page containing a.
func (a Addr) PageIndex() uint64 {
	return uint64(a) >> PageShift
}

// PageAddr returns the address of the page with the given index.
func PageAddr(index uint64) Addr {
	return Addr(index << PageShift)
}

// String implements fmt.Stringer.String.
func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
