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
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/slab"
)

// Request is a gateway call. Every variant's fields are fixed-size so that
// it doubles as the wire layout of its arguments.
type Request interface {
	// Fn returns the function the request invokes.
	Fn() FnID

	isRequest()
}

// HPTSetProt sets the access permissions of the page holding GPA in Slab's
// table.
type HPTSetProt struct {
	Slab slab.ID
	GPA  uint64
	Prot uint32
}

// HPTGetProt returns the access permissions of the page holding GPA.
type HPTGetProt struct {
	Slab slab.ID
	GPA  uint64
}

// HPTSetEntry replaces the leaf entry of the page holding GPA.
type HPTSetEntry struct {
	Slab  slab.ID
	GPA   uint64
	Entry uint64
}

// HPTGetEntry returns the leaf entry of the page holding GPA.
type HPTGetEntry struct {
	Slab slab.ID
	GPA  uint64
}

// HPTFlushCaches invalidates cached translations of Slab's table on the CPU
// with physical id CPUID.
type HPTFlushCaches struct {
	CPUID uint32
	Slab  slab.ID
}

// HPTLvl2PageWalk translates GPA through Slab's table.
type HPTLvl2PageWalk struct {
	Slab slab.ID
	GPA  uint64
}

// TrapMaskSet enables interception of the events in Mask.
type TrapMaskSet struct {
	CPUID uint32
	Mask  ring0.TrapMask
}

// TrapMaskClear disables interception of the events in Mask.
type TrapMaskClear struct {
	CPUID uint32
	Mask  ring0.TrapMask
}

// CPUStateSet replaces the register block Params selects. Its wire layout
// is the CPU id, the operation and the block.
type CPUStateSet struct {
	CPUID  uint32
	Params ring0.Params
}

// CPUStateGet returns the register block Op selects.
type CPUStateGet struct {
	CPUID uint32
	Op    ring0.Operation
}

// PartitionCreate creates a partition of type Type.
type PartitionCreate struct {
	Type partition.Type
}

// PartitionAddCPU admits a CPU into Partition.
type PartitionAddCPU struct {
	Partition partition.PartitionIndex
	CPUID     uint32
	IsBSP     bool
}

// PartitionGetContext returns the context descriptor of a CPU.
type PartitionGetContext struct {
	CPUID uint32
}

// PartitionStartCPU starts the CPU Context names.
type PartitionStartCPU struct {
	Context partition.ContextDesc
}

// PlatformShutdown quiesces and halts every CPU of the partition CPUID
// belongs to.
type PlatformShutdown struct {
	CPUID uint32
}

// NMIException reports a non-maskable interrupt taken on CPUID with the
// interrupted register state.
type NMIException struct {
	CPUID uint32
	Regs  ring0.GPRs
}

// Fn implements Request.Fn.
func (HPTSetProt) Fn() FnID          { return FnHPTSetProt }
func (HPTGetProt) Fn() FnID          { return FnHPTGetProt }
func (HPTSetEntry) Fn() FnID         { return FnHPTSetEntry }
func (HPTGetEntry) Fn() FnID         { return FnHPTGetEntry }
func (HPTFlushCaches) Fn() FnID      { return FnHPTFlushCaches }
func (HPTLvl2PageWalk) Fn() FnID     { return FnHPTLvl2PageWalk }
func (TrapMaskSet) Fn() FnID         { return FnTrapMaskSet }
func (TrapMaskClear) Fn() FnID       { return FnTrapMaskClear }
func (CPUStateSet) Fn() FnID         { return FnCPUStateSet }
func (CPUStateGet) Fn() FnID         { return FnCPUStateGet }
func (PartitionCreate) Fn() FnID     { return FnPartitionCreate }
func (PartitionAddCPU) Fn() FnID     { return FnPartitionAddCPU }
func (PartitionGetContext) Fn() FnID { return FnPartitionGetContext }
func (PartitionStartCPU) Fn() FnID   { return FnPartitionStartCPU }
func (PlatformShutdown) Fn() FnID    { return FnPlatformShutdown }
func (NMIException) Fn() FnID        { return FnNMIException }

func (HPTSetProt) isRequest()          {}
func (HPTGetProt) isRequest()          {}
func (HPTSetEntry) isRequest()         {}
func (HPTGetEntry) isRequest()         {}
func (HPTFlushCaches) isRequest()      {}
func (HPTLvl2PageWalk) isRequest()     {}
func (TrapMaskSet) isRequest()         {}
func (TrapMaskClear) isRequest()       {}
func (CPUStateSet) isRequest()         {}
func (CPUStateGet) isRequest()         {}
func (PartitionCreate) isRequest()     {}
func (PartitionAddCPU) isRequest()     {}
func (PartitionGetContext) isRequest() {}
func (PartitionStartCPU) isRequest()   {}
func (PlatformShutdown) isRequest()    {}
func (NMIException) isRequest()        {}
