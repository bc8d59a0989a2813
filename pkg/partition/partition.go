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

// Package partition tracks which physical CPUs belong to which partition and
// hands out the context descriptors that identify a CPU in every hypercall.
//
// The stores are populated during a single-writer admission phase on the
// boot processor and become read-only when Manager.Freeze is called. After
// that only the per-CPU quiesce flags change.
package partition

import (
	"fmt"
)

// InvalidIndex is the reserved invalid index value.
const InvalidIndex = 0xffffffff

// CPUIndex is an index into the CPU store.
type CPUIndex uint32

// InvalidCPU is the invalid CPU index.
const InvalidCPU CPUIndex = InvalidIndex

// PartitionIndex is an index into the partition store.
type PartitionIndex uint32

// InvalidPartition is the invalid partition index.
const InvalidPartition PartitionIndex = InvalidIndex

// Type is a partition type.
type Type uint32

// Partition types. Only Primary partitions can be created.
const (
	Primary Type = iota
	Secondary
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// ContextDesc identifies a CPU and its partition. It is passed by value.
type ContextDesc struct {
	CPU       CPUIndex
	IsBSP     bool
	Partition PartitionIndex
	NumCPUs   uint32
}

// InvalidContext returns the all-invalid descriptor.
func InvalidContext(isBSP bool) ContextDesc {
	return ContextDesc{
		CPU:       InvalidCPU,
		IsBSP:     isBSP,
		Partition: InvalidPartition,
	}
}

// Valid returns true iff neither index is the invalid sentinel.
func (c ContextDesc) Valid() bool {
	return c.CPU != InvalidCPU && c.Partition != InvalidPartition
}

// Equal returns true iff both descriptors name the same CPU in the same
// partition. The BSP flag and CPU count are not compared.
func (c ContextDesc) Equal(o ContextDesc) bool {
	return c.CPU == o.CPU && c.Partition == o.Partition
}

// String implements fmt.Stringer.String.
func (c ContextDesc) String() string {
	if !c.Valid() {
		return "ctx{invalid}"
	}
	return fmt.Sprintf("ctx{cpu %d, partition %d, bsp %t, ncpus %d}", c.CPU, c.Partition, c.IsBSP, c.NumCPUs)
}

// Member is an entry of a partition's member list.
type Member struct {
	CPUID uint32
	CPU   CPUIndex
}

// Partition is a snapshot of a partition.
type Partition struct {
	Index   PartitionIndex
	Type    Type
	Members []Member
}

// NumCPUs returns the number of member CPUs.
func (p Partition) NumCPUs() uint32 {
	return uint32(len(p.Members))
}
