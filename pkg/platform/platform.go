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

// Package platform provides the architecture backends that hold per-CPU
// virtualization state: VMCS on Intel, VMCB on AMD and the EL2 stage-2
// context on ARM.
//
// Backends register themselves by name from their own packages and are
// resolved once, at startup, with Lookup or Auto.
package platform

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
)

// Backend is an architecture backend.
type Backend interface {
	// SetupBaseState and StartCPU serve the context manager.
	partition.Arch

	// Name returns the registered name.
	Name() string

	// PageTableFormat returns the second-level table format the backend
	// loads.
	PageTableFormat() pagetables.Format

	// ArmWakeInterception arms interception of the wake-up sequence sent
	// to the other CPUs. It is called by the boot processor.
	ArmWakeInterception(ctx partition.ContextDesc) error

	// PostWake installs the entry state of a woken CPU, derived from the
	// wake vector.
	PostWake(ctx partition.ContextDesc, vector uint8) error

	// SetTrapMask enables interception of the events in mask.
	SetTrapMask(ctx partition.ContextDesc, mask ring0.TrapMask) bool

	// ClearTrapMask disables interception of the events in mask.
	ClearTrapMask(ctx partition.ContextDesc, mask ring0.TrapMask) bool

	// CPUState returns the parameter block selected by op.
	CPUState(ctx partition.ContextDesc, op ring0.Operation) (ring0.Params, bool)

	// SetCPUState replaces the parameter block p selects.
	SetCPUState(ctx partition.ContextDesc, p ring0.Params) bool

	// LoadTables installs a second-level table root on the CPU.
	LoadTables(ctx partition.ContextDesc, root uint64) bool

	// FlushCaches invalidates cached second-level translations.
	FlushCaches(ctx partition.ContextDesc) bool

	// Shutdown halts the CPU.
	Shutdown(ctx partition.ContextDesc) bool

	// NMI delivers a non-maskable interrupt notification with the
	// interrupted register state.
	NMI(ctx partition.ContextDesc, regs ring0.GPRs) bool

	// VCPU returns a snapshot of the CPU's state.
	VCPU(ctx partition.ContextDesc) (Snapshot, bool)
}

// Options configure a backend.
type Options struct {
	// Stage2L1Entries is the number of 1GB L1 entries of stage-2 tables.
	Stage2L1Entries int
}

// Constructor builds a backend.
type Constructor interface {
	// New returns a new backend.
	New(opts Options) (Backend, error)

	// Native returns true if the host processor has the hardware the
	// backend models.
	Native() bool
}

var (
	mu           sync.Mutex
	constructors = make(map[string]Constructor)
)

// Register registers a backend constructor. It panics on duplicate names.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := constructors[name]; ok {
		panic(fmt.Sprintf("platform %q registered twice", name))
	}
	constructors[name] = c
}

// Lookup returns the constructor registered under name.
func Lookup(name string) (Constructor, error) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform %q", name)
	}
	return c, nil
}

// List returns the registered names, sorted.
func List() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend names.
const (
	VMX    = "vmx"
	SVM    = "svm"
	Stage2 = "stage2"
)

// Auto returns the backend name matching the host processor.
func Auto() string {
	return autoFor(runtime.GOARCH, cpuid.CPU.VendorID)
}

func autoFor(goarch string, vendor cpuid.Vendor) string {
	switch {
	case goarch == "arm64":
		return Stage2
	case vendor == cpuid.AMD || vendor == cpuid.Hygon:
		return SVM
	default:
		return VMX
	}
}

// New resolves name, "auto" included, and builds the backend.
func New(name string, opts Options) (Backend, error) {
	if name == "auto" || name == "" {
		name = Auto()
	}
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.New(opts)
}
