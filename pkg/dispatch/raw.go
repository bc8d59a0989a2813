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
	"fmt"

	"slabvisor.dev/slabvisor/pkg/binary"
	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/slab"
)

// cpuStateSetHeader precedes the register block of a CPUStateSet call.
type cpuStateSetHeader struct {
	CPUID uint32
	Op    ring0.Operation
}

// cpuStateSetHeaderSize is the wire size of cpuStateSetHeader.
var cpuStateSetHeaderSize = int(binary.Size(cpuStateSetHeader{}))

// DispatchRaw is the wire entry of the gateway: fn and args arrive as the
// caller laid them out, with the argument byte count being len(args). An
// unknown fn halts. Arguments whose size does not match fn's layout return
// an error wrapping ErrMalformed.
func (g *Gateway) DispatchRaw(src, dst, fn uint32, args []byte) (Result, error) {
	id := FnID(fn)
	if !id.Valid() {
		halt.Halt("dispatch: unknown function id %d from slab %d", fn, src)
	}
	if err := g.check(slab.ID(src), slab.ID(dst), id); err != nil {
		return nil, err
	}
	req, err := decodeRequest(id, args)
	if err != nil {
		callsMetric.Increment(id.String(), outcomeMalformed)
		return nil, fmt.Errorf("%w: %v: %w", ErrMalformed, id, err)
	}
	if err := g.checkTarget(slab.ID(src), slab.ID(dst), req); err != nil {
		return nil, err
	}
	return g.run(req), nil
}

// decodeRequest parses the arguments of fn.
func decodeRequest(fn FnID, args []byte) (Request, error) {
	switch fn {
	case FnHPTSetProt:
		return decode[HPTSetProt](args)
	case FnHPTGetProt:
		return decode[HPTGetProt](args)
	case FnHPTSetEntry:
		return decode[HPTSetEntry](args)
	case FnHPTGetEntry:
		return decode[HPTGetEntry](args)
	case FnHPTFlushCaches:
		return decode[HPTFlushCaches](args)
	case FnHPTLvl2PageWalk:
		return decode[HPTLvl2PageWalk](args)
	case FnTrapMaskSet:
		return decode[TrapMaskSet](args)
	case FnTrapMaskClear:
		return decode[TrapMaskClear](args)
	case FnCPUStateSet:
		if len(args) < cpuStateSetHeaderSize {
			return nil, fmt.Errorf("%d bytes, want at least %d", len(args), cpuStateSetHeaderSize)
		}
		var h cpuStateSetHeader
		if err := binary.Unmarshal(args[:cpuStateSetHeaderSize], binary.LittleEndian, &h); err != nil {
			return nil, err
		}
		p, err := ring0.Decode(h.Op, args[cpuStateSetHeaderSize:])
		if err != nil {
			return nil, err
		}
		return CPUStateSet{CPUID: h.CPUID, Params: p}, nil
	case FnCPUStateGet:
		return decode[CPUStateGet](args)
	case FnPartitionCreate:
		return decode[PartitionCreate](args)
	case FnPartitionAddCPU:
		return decode[PartitionAddCPU](args)
	case FnPartitionGetContext:
		return decode[PartitionGetContext](args)
	case FnPartitionStartCPU:
		return decode[PartitionStartCPU](args)
	case FnPlatformShutdown:
		return decode[PlatformShutdown](args)
	case FnNMIException:
		return decode[NMIException](args)
	default:
		panic(fmt.Sprintf("decodeRequest: unknown function %v", fn))
	}
}

func decode[R Request](args []byte) (Request, error) {
	var r R
	if err := binary.Unmarshal(args, binary.LittleEndian, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// EncodeRequest returns the wire form of req's arguments.
func EncodeRequest(req Request) []byte {
	if r, ok := req.(CPUStateSet); ok {
		buf := binary.Marshal(nil, binary.LittleEndian, cpuStateSetHeader{CPUID: r.CPUID, Op: r.Params.Operation()})
		return append(buf, ring0.Encode(r.Params)...)
	}
	return binary.Marshal(nil, binary.LittleEndian, req)
}
