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

package dispatch

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"slabvisor.dev/slabvisor/pkg/binary"
	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0"
)

func TestDispatchRaw(t *testing.T) {
	g := newTestGateway(t)

	r, err := g.DispatchRaw(uint32(app), uint32(core), uint32(FnPartitionCreate), EncodeRequest(PartitionCreate{Type: partition.Primary}))
	if err != nil || r != U32(0) {
		t.Fatalf("raw PartitionCreate = %v, %v, want 0", r, err)
	}
	r, err = g.DispatchRaw(uint32(app), uint32(core), uint32(FnPartitionAddCPU), EncodeRequest(PartitionAddCPU{Partition: 0, CPUID: bspID, IsBSP: true}))
	if err != nil {
		t.Fatalf("raw PartitionAddCPU: %v", err)
	}
	want := Context{partition.ContextDesc{CPU: 0, IsBSP: true, Partition: 0, NumCPUs: 1}}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("raw PartitionAddCPU mismatch (-want +got):\n%s", diff)
	}

	regs := ring0.ControlRegs{CR0: 0x80000011, CR3: 0x4000, CR4: 0x20}
	args := EncodeRequest(CPUStateSet{CPUID: bspID, Params: regs})
	if got, want := len(args), 12+24; got != want {
		t.Fatalf("CPUStateSet args = %d bytes, want %d", got, want)
	}
	if r, err := g.DispatchRaw(uint32(app), uint32(core), uint32(FnCPUStateSet), args); err != nil || r != Bool(true) {
		t.Fatalf("raw CPUStateSet = %v, %v, want true", r, err)
	}
	r, err = g.DispatchRaw(uint32(app), uint32(core), uint32(FnCPUStateGet), EncodeRequest(CPUStateGet{CPUID: bspID, Op: ring0.OpControlRegs}))
	if err != nil {
		t.Fatalf("raw CPUStateGet: %v", err)
	}
	if diff := cmp.Diff(Params{regs}, r); diff != "" {
		t.Errorf("raw CPUStateGet mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchRawMalformed(t *testing.T) {
	g := newTestGateway(t)
	before := callsMetric.Value(FnHPTGetProt.String(), outcomeMalformed)

	for _, tc := range []struct {
		name string
		fn   FnID
		args []byte
	}{
		{"short", FnHPTGetProt, make([]byte, 11)},
		{"long", FnHPTGetProt, make([]byte, 13)},
		{"empty", FnPartitionGetContext, nil},
		{"short cpu state header", FnCPUStateSet, make([]byte, 4)},
		{"unknown cpu state block", FnCPUStateSet, EncodeRequest(CPUStateGet{CPUID: bspID, Op: 42})},
		{"truncated cpu state block", FnCPUStateSet, EncodeRequest(CPUStateSet{CPUID: bspID, Params: ring0.GPRs{}})[:20]},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := g.DispatchRaw(uint32(app), uint32(core), uint32(tc.fn), tc.args)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("DispatchRaw = %v, %v, want %v", r, err, ErrMalformed)
			}
		})
	}
	if got := callsMetric.Value(FnHPTGetProt.String(), outcomeMalformed); got != before+2 {
		t.Errorf("malformed hpt_getprot calls = %d, want %d", got, before+2)
	}
}

func TestDispatchRawSizeMismatchReportsErrSize(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.DispatchRaw(uint32(app), uint32(core), uint32(FnHPTGetProt), make([]byte, 3))
	if !errors.Is(err, binary.ErrSize) {
		t.Errorf("DispatchRaw = %v, want an error wrapping %v", err, binary.ErrSize)
	}
}

func TestDispatchRawChecksBeforeDecoding(t *testing.T) {
	g := newTestGateway(t)
	// weak lacks the partition privilege; the malformed arguments are
	// never looked at.
	_, err := g.DispatchRaw(uint32(weak), uint32(core), uint32(FnPartitionCreate), []byte{1})
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("DispatchRaw = %v, want %v", err, ErrCapabilityDenied)
	}
}

func TestDispatchRawTargetDenied(t *testing.T) {
	g := newTestGateway(t)
	args := EncodeRequest(HPTSetEntry{Slab: app, GPA: ioTable})
	if _, err := g.DispatchRaw(uint32(app), uint32(core), uint32(FnHPTSetEntry), args); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("DispatchRaw(HPTSetEntry on own table) = %v, want %v", err, ErrCapabilityDenied)
	}
	if got := g.mustDispatch(t, HPTLvl2PageWalk{Slab: app, GPA: ioTable}); got != U64(appIO) {
		t.Errorf("walk after denied edit = %#x, want %#x", uint64(got.(U64)), uint64(appIO))
	}
	args = EncodeRequest(HPTSetProt{Slab: guest, GPA: 0x5000, Prot: hostarch.Read.Bits()})
	if r, err := g.DispatchRaw(uint32(app), uint32(core), uint32(FnHPTSetProt), args); err != nil || r != Bool(true) {
		t.Errorf("DispatchRaw(HPTSetProt on guest) = %v, %v, want true", r, err)
	}
}

func TestDispatchRawUnknownFnHalts(t *testing.T) {
	g := newTestGateway(t)
	before := halt.Count()
	f := halt.Catch(func() {
		g.DispatchRaw(uint32(app), uint32(core), uint32(NumFns), nil)
	})
	if f == nil {
		t.Fatalf("unknown function id did not halt")
	}
	if got := halt.Count(); got != before+1 {
		t.Errorf("halt count = %d, want %d", got, before+1)
	}
}

func TestRequestLayouts(t *testing.T) {
	for _, tc := range []struct {
		req  Request
		want int
	}{
		{HPTSetProt{}, 16},
		{HPTGetProt{}, 12},
		{HPTSetEntry{}, 20},
		{HPTFlushCaches{}, 8},
		{TrapMaskSet{}, 16},
		{CPUStateGet{}, 12},
		{PartitionCreate{}, 4},
		{PartitionAddCPU{}, 9},
		{PartitionStartCPU{}, 13},
		{PlatformShutdown{}, 4},
		{NMIException{}, 4 + 16*8},
	} {
		if got := len(EncodeRequest(tc.req)); got != tc.want {
			t.Errorf("%T: %d bytes, want %d", tc.req, got, tc.want)
		}
	}
}

func TestEncodeResult(t *testing.T) {
	for _, tc := range []struct {
		r    Result
		want []byte
	}{
		{None{}, []byte{0}},
		{U32(0x01020304), []byte{1, 4, 3, 2, 1}},
		{U64(0x0102), []byte{2, 2, 1, 0, 0, 0, 0, 0, 0}},
		{Bool(true), []byte{3, 1}},
		{
			Context{partition.ContextDesc{CPU: 1, IsBSP: true, Partition: 2, NumCPUs: 3}},
			[]byte{4, 1, 0, 0, 0, 1, 2, 0, 0, 0, 3, 0, 0, 0},
		},
		{Params{}, []byte{5, 0, 0, 0, 0, 0, 0, 0, 0}},
		{
			Params{ring0.TrapMask{Events: ring0.TrapIOPort, PortLow: 0x60, PortHigh: 0x64}},
			[]byte{5, 5, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0x60, 0, 0x64, 0},
		},
	} {
		if diff := cmp.Diff(tc.want, EncodeResult(tc.r)); diff != "" {
			t.Errorf("EncodeResult(%v) mismatch (-want +got):\n%s", tc.r, diff)
		}
	}
}
