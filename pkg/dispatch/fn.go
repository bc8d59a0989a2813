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

	"slabvisor.dev/slabvisor/pkg/slab"
)

// FnID identifies a gateway function. The numbering is part of the call
// ABI.
type FnID uint32

// Gateway functions.
const (
	FnHPTSetProt FnID = iota
	FnHPTGetProt
	FnHPTSetEntry
	FnHPTGetEntry
	FnHPTFlushCaches
	FnHPTLvl2PageWalk
	FnTrapMaskSet
	FnTrapMaskClear
	FnCPUStateSet
	FnCPUStateGet
	FnPartitionCreate
	FnPartitionAddCPU
	FnPartitionGetContext
	FnPartitionStartCPU
	FnPlatformShutdown
	FnNMIException

	// NumFns is the number of functions.
	NumFns
)

type fnInfo struct {
	name  string
	group slab.Privilege
	tag   Tag
}

var fns = [NumFns]fnInfo{
	FnHPTSetProt:          {"hpt_setprot", slab.PrivHPT, TagBool},
	FnHPTGetProt:          {"hpt_getprot", slab.PrivHPT, TagU32},
	FnHPTSetEntry:         {"hpt_setentry", slab.PrivHPT, TagBool},
	FnHPTGetEntry:         {"hpt_getentry", slab.PrivHPT, TagU64},
	FnHPTFlushCaches:      {"hpt_flushcaches", slab.PrivHPT, TagBool},
	FnHPTLvl2PageWalk:     {"hpt_lvl2pagewalk", slab.PrivHPT, TagU64},
	FnTrapMaskSet:         {"trapmask_set", slab.PrivTrapMask, TagBool},
	FnTrapMaskClear:       {"trapmask_clear", slab.PrivTrapMask, TagBool},
	FnCPUStateSet:         {"cpustate_set", slab.PrivCPUState, TagBool},
	FnCPUStateGet:         {"cpustate_get", slab.PrivCPUState, TagParams},
	FnPartitionCreate:     {"partition_create", slab.PrivPartition, TagU32},
	FnPartitionAddCPU:     {"partition_addcpu", slab.PrivPartition, TagContext},
	FnPartitionGetContext: {"partition_getcontext", slab.PrivPartition, TagContext},
	FnPartitionStartCPU:   {"partition_startcpu", slab.PrivPartition, TagBool},
	FnPlatformShutdown:    {"platform_shutdown", slab.PrivPlatform, TagBool},
	FnNMIException:        {"nmi_exception", slab.PrivEvents, TagNone},
}

// Valid returns true iff f names a function.
func (f FnID) Valid() bool {
	return f < NumFns
}

// String implements fmt.Stringer.String.
func (f FnID) String() string {
	if !f.Valid() {
		return fmt.Sprintf("fn(%d)", uint32(f))
	}
	return fns[f].name
}

// Privilege returns the privilege group a caller needs to invoke f.
func (f FnID) Privilege() slab.Privilege {
	if !f.Valid() {
		return 0
	}
	return fns[f].group
}

// ResultTag returns the tag of the result f produces.
func ResultTag(f FnID) Tag {
	if !f.Valid() {
		return TagNone
	}
	return fns[f].tag
}

// fnNames lists every function name, in id order.
func fnNames() []string {
	names := make([]string, NumFns)
	for i := range fns {
		names[i] = fns[i].name
	}
	return names
}
