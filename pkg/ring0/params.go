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

// Package ring0 describes the processor state a slab can observe and modify
// through the hypercall interface: parameter blocks for CPU-state access and
// the trap mask.
package ring0

import (
	"fmt"

	"slabvisor.dev/slabvisor/pkg/binary"
)

// Operation selects a CPU-state parameter block.
type Operation uint64

// Operations.
const (
	OpGPRs Operation = iota + 1
	OpDesc
	OpActivity
	OpControlRegs
	OpTrapMask
)

// String implements fmt.Stringer.String.
func (op Operation) String() string {
	switch op {
	case OpGPRs:
		return "gprs"
	case OpDesc:
		return "desc"
	case OpActivity:
		return "activity"
	case OpControlRegs:
		return "controlregs"
	case OpTrapMask:
		return "trapmask"
	default:
		return fmt.Sprintf("Operation(%d)", uint64(op))
	}
}

// Params is a CPU-state parameter block. The set of implementations is
// closed.
type Params interface {
	// Operation returns the operation selecting this block.
	Operation() Operation

	isParams()
}

// GPRs are the general purpose registers.
type GPRs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Segment is a segment register in its hidden-part form.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint32
}

// DescTable is a descriptor table register.
type DescTable struct {
	Base  uint64
	Limit uint32
}

// Desc holds segment and descriptor table registers.
type Desc struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDTR               Segment
	GDTR, IDTR             DescTable
}

// Activity is the instruction pointer, flags and activity state.
type Activity struct {
	IP               uint64
	Flags            uint64
	State            uint32
	Interruptibility uint32
}

// Activity states.
const (
	ActivityActive uint32 = iota
	ActivityHalted
	ActivityWaitSIPI
)

// ControlRegs are the control registers visible to a slab.
type ControlRegs struct {
	CR0, CR3, CR4 uint64
}

// TrapEvent is a set of intercepted events.
type TrapEvent uint64

// Trap events.
const (
	TrapIOPort TrapEvent = 1 << iota
	TrapMSR
	TrapCPUID
	TrapHPTFault
	TrapException
	TrapSingleStep
)

// TrapMask selects events to intercept. Port bounds only apply to
// TrapIOPort.
type TrapMask struct {
	Events   TrapEvent
	PortLow  uint16
	PortHigh uint16
}

// Operation implements Params.Operation.
func (GPRs) Operation() Operation { return OpGPRs }

// Operation implements Params.Operation.
func (Desc) Operation() Operation { return OpDesc }

// Operation implements Params.Operation.
func (Activity) Operation() Operation { return OpActivity }

// Operation implements Params.Operation.
func (ControlRegs) Operation() Operation { return OpControlRegs }

// Operation implements Params.Operation.
func (TrapMask) Operation() Operation { return OpTrapMask }

func (GPRs) isParams()        {}
func (Desc) isParams()        {}
func (Activity) isParams()    {}
func (ControlRegs) isParams() {}
func (TrapMask) isParams()    {}

// Encode returns the wire form of p.
func Encode(p Params) []byte {
	return binary.Marshal(nil, binary.LittleEndian, p)
}

// Decode parses the wire form of the block selected by op.
func Decode(op Operation, buf []byte) (Params, error) {
	switch op {
	case OpGPRs:
		return decode[GPRs](buf)
	case OpDesc:
		return decode[Desc](buf)
	case OpActivity:
		return decode[Activity](buf)
	case OpControlRegs:
		return decode[ControlRegs](buf)
	case OpTrapMask:
		return decode[TrapMask](buf)
	default:
		return nil, fmt.Errorf("unknown parameter operation %v", op)
	}
}

func decode[P Params](buf []byte) (Params, error) {
	var p P
	if err := binary.Unmarshal(buf, binary.LittleEndian, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Size returns the wire size of the block selected by op, or zero if op is
// unknown.
func Size(op Operation) uintptr {
	switch op {
	case OpGPRs:
		return binary.Size(GPRs{})
	case OpDesc:
		return binary.Size(Desc{})
	case OpActivity:
		return binary.Size(Activity{})
	case OpControlRegs:
		return binary.Size(ControlRegs{})
	case OpTrapMask:
		return binary.Size(TrapMask{})
	default:
		return 0
	}
}
