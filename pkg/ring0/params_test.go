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

package ring0

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecode(t *testing.T) {
	for _, p := range []Params{
		GPRs{RAX: 1, R15: 2},
		Desc{CS: Segment{Selector: 0x10, Base: 0x1000, Limit: 0xffff, Attr: 0x9b}, IDTR: DescTable{Base: 0x2000, Limit: 0xfff}},
		Activity{IP: 0x7c00, Flags: 2, State: ActivityWaitSIPI},
		ControlRegs{CR0: 0x10, CR3: 0x5000, CR4: 0x20},
		TrapMask{Events: TrapIOPort | TrapCPUID, PortLow: 0x60, PortHigh: 0x64},
	} {
		buf := Encode(p)
		if got, want := uintptr(len(buf)), Size(p.Operation()); got != want {
			t.Errorf("%v: encoded %d bytes, Size says %d", p.Operation(), got, want)
		}
		got, err := Decode(p.Operation(), buf)
		if err != nil {
			t.Fatalf("Decode(%v): %v", p.Operation(), err)
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("%v mismatch (-want +got):\n%s", p.Operation(), diff)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(OpGPRs, make([]byte, 8)); err == nil {
		t.Errorf("Decode(short GPRs) succeeded")
	}
	if _, err := Decode(Operation(99), nil); err == nil {
		t.Errorf("Decode(unknown op) succeeded")
	}
	if got := Size(Operation(99)); got != 0 {
		t.Errorf("Size(unknown) = %d, want 0", got)
	}
}

func TestSizes(t *testing.T) {
	for op, want := range map[Operation]uintptr{
		OpGPRs:        16 * 8,
		OpActivity:    8 + 8 + 4 + 4,
		OpControlRegs: 3 * 8,
		OpTrapMask:    8 + 2 + 2,
		OpDesc:        8*(2+8+4+4) + 2*(8+4),
	} {
		if got := Size(op); got != want {
			t.Errorf("Size(%v) = %d, want %d", op, got, want)
		}
	}
}
