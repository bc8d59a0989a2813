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

package platform

import (
	"errors"
	"fmt"
	"sync"

	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
)

// State is the run state of a vCPU.
type State uint32

// vCPU states.
const (
	// StateWaitWake is an application processor awaiting its wake
	// signal.
	StateWaitWake State = iota

	// StateReady has its entry state installed and may be started.
	StateReady

	// StateRunning has been started.
	StateRunning

	// StateHalted has been shut down.
	StateHalted
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateWaitWake:
		return "wait-wake"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Registers is the architectural register state of a vCPU.
type Registers struct {
	GPRs        ring0.GPRs
	Desc        ring0.Desc
	Activity    ring0.Activity
	ControlRegs ring0.ControlRegs
}

// Snapshot is a copy of a vCPU's state.
type Snapshot struct {
	CPU       partition.CPUIndex
	Partition partition.PartitionIndex
	State     State
	Registers Registers
	Traps     ring0.TrapMask

	// TableRoot is the loaded second-level translation base.
	TableRoot uint64

	// LastNMI is the register state passed with the last NMI.
	LastNMI ring0.GPRs

	NMIs    uint64
	Flushes uint64
}

// Vendor holds the vendor-specific parts of a backend.
type Vendor interface {
	// Reset returns the state a CPU has after base-state setup.
	Reset(bsp bool) Registers

	// WakeMechanism describes what ArmWakeInterception arms.
	WakeMechanism() string

	// Wake installs the entry state derived from vector.
	Wake(r *Registers, vector uint8)

	// Traps returns the events the vendor can intercept.
	Traps() ring0.TrapEvent
}

// Errors returned by Machine.
var (
	ErrNoVCPU       = errors.New("no vCPU for context")
	ErrVCPUExists   = errors.New("vCPU already set up")
	ErrBadState     = errors.New("vCPU in wrong state")
	ErrNotArmed     = errors.New("wake interception not armed")
	ErrNotBootstrap = errors.New("not the boot processor")
)

type vcpu struct {
	Snapshot
}

// Machine is an emulated backend: it keeps vCPU state in memory and
// delegates vendor-specific encodings to a Vendor. It implements Backend.
type Machine struct {
	name   string
	format pagetables.Format
	vendor Vendor

	// mu protects the fields below.
	mu    sync.Mutex
	armed bool
	vcpus map[partition.CPUIndex]*vcpu
}

var _ Backend = (*Machine)(nil)

// NewMachine returns a machine with no vCPUs.
func NewMachine(name string, format pagetables.Format, vendor Vendor) *Machine {
	return &Machine{
		name:   name,
		format: format,
		vendor: vendor,
		vcpus:  make(map[partition.CPUIndex]*vcpu),
	}
}

// Name implements Backend.Name.
func (m *Machine) Name() string {
	return m.name
}

// PageTableFormat implements Backend.PageTableFormat.
func (m *Machine) PageTableFormat() pagetables.Format {
	return m.format
}

// get returns the vCPU named by ctx.
//
// Preconditions: m.mu is held.
func (m *Machine) get(ctx partition.ContextDesc) (*vcpu, error) {
	c, ok := m.vcpus[ctx.CPU]
	if !ok || c.Partition != ctx.Partition {
		return nil, fmt.Errorf("%w %v", ErrNoVCPU, ctx)
	}
	return c, nil
}

// with runs fn on the vCPU named by ctx under m.mu.
func (m *Machine) with(ctx partition.ContextDesc, fn func(c *vcpu) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(ctx)
	if err != nil {
		return err
	}
	return fn(c)
}

// SetupBaseState implements partition.Arch.SetupBaseState.
func (m *Machine) SetupBaseState(ctx partition.ContextDesc) error {
	if !ctx.Valid() {
		return fmt.Errorf("%w %v", ErrNoVCPU, ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vcpus[ctx.CPU]; ok {
		return fmt.Errorf("%w: cpu %d", ErrVCPUExists, ctx.CPU)
	}
	c := &vcpu{Snapshot{
		CPU:       ctx.CPU,
		Partition: ctx.Partition,
		State:     StateWaitWake,
		Registers: m.vendor.Reset(ctx.IsBSP),
	}}
	if ctx.IsBSP {
		c.State = StateReady
	}
	m.vcpus[ctx.CPU] = c
	log.Debugf("%s: vCPU %d base state set up, %v", m.name, ctx.CPU, c.State)
	return nil
}

// StartCPU implements partition.Arch.StartCPU.
func (m *Machine) StartCPU(ctx partition.ContextDesc) error {
	return m.with(ctx, func(c *vcpu) error {
		if c.State != StateReady {
			return fmt.Errorf("%w: start in %v", ErrBadState, c.State)
		}
		c.State = StateRunning
		c.Registers.Activity.State = ring0.ActivityActive
		return nil
	})
}

// ArmWakeInterception implements Backend.ArmWakeInterception.
func (m *Machine) ArmWakeInterception(ctx partition.ContextDesc) error {
	if !ctx.IsBSP {
		return ErrNotBootstrap
	}
	return m.with(ctx, func(c *vcpu) error {
		m.armed = true
		log.Infof("%s: %s armed by vCPU %d", m.name, m.vendor.WakeMechanism(), c.CPU)
		return nil
	})
}

// PostWake implements Backend.PostWake.
func (m *Machine) PostWake(ctx partition.ContextDesc, vector uint8) error {
	return m.with(ctx, func(c *vcpu) error {
		if !m.armed {
			return ErrNotArmed
		}
		if c.State != StateWaitWake {
			return fmt.Errorf("%w: wake in %v", ErrBadState, c.State)
		}
		m.vendor.Wake(&c.Registers, vector)
		c.State = StateReady
		return nil
	})
}

// SetTrapMask implements Backend.SetTrapMask.
func (m *Machine) SetTrapMask(ctx partition.ContextDesc, mask ring0.TrapMask) bool {
	err := m.with(ctx, func(c *vcpu) error {
		if unsupported := mask.Events &^ m.vendor.Traps(); unsupported != 0 {
			return fmt.Errorf("unsupported trap events %#x", uint64(unsupported))
		}
		c.Traps.Events |= mask.Events
		if mask.Events&ring0.TrapIOPort != 0 {
			c.Traps.PortLow, c.Traps.PortHigh = mask.PortLow, mask.PortHigh
		}
		return nil
	})
	return m.ok("set trap mask", ctx, err)
}

// ClearTrapMask implements Backend.ClearTrapMask.
func (m *Machine) ClearTrapMask(ctx partition.ContextDesc, mask ring0.TrapMask) bool {
	err := m.with(ctx, func(c *vcpu) error {
		c.Traps.Events &^= mask.Events
		if c.Traps.Events&ring0.TrapIOPort == 0 {
			c.Traps.PortLow, c.Traps.PortHigh = 0, 0
		}
		return nil
	})
	return m.ok("clear trap mask", ctx, err)
}

// CPUState implements Backend.CPUState.
func (m *Machine) CPUState(ctx partition.ContextDesc, op ring0.Operation) (ring0.Params, bool) {
	var p ring0.Params
	err := m.with(ctx, func(c *vcpu) error {
		switch op {
		case ring0.OpGPRs:
			p = c.Registers.GPRs
		case ring0.OpDesc:
			p = c.Registers.Desc
		case ring0.OpActivity:
			p = c.Registers.Activity
		case ring0.OpControlRegs:
			p = c.Registers.ControlRegs
		case ring0.OpTrapMask:
			p = c.Traps
		default:
			return fmt.Errorf("unknown operation %v", op)
		}
		return nil
	})
	return p, m.ok("get cpu state", ctx, err)
}

// SetCPUState implements Backend.SetCPUState.
func (m *Machine) SetCPUState(ctx partition.ContextDesc, p ring0.Params) bool {
	err := m.with(ctx, func(c *vcpu) error {
		switch p := p.(type) {
		case ring0.GPRs:
			c.Registers.GPRs = p
		case ring0.Desc:
			c.Registers.Desc = p
		case ring0.Activity:
			c.Registers.Activity = p
		case ring0.ControlRegs:
			c.Registers.ControlRegs = p
		case ring0.TrapMask:
			c.Traps = p
		default:
			return fmt.Errorf("unknown parameter block %T", p)
		}
		return nil
	})
	return m.ok("set cpu state", ctx, err)
}

// LoadTables implements Backend.LoadTables.
func (m *Machine) LoadTables(ctx partition.ContextDesc, root uint64) bool {
	err := m.with(ctx, func(c *vcpu) error {
		c.TableRoot = root
		return nil
	})
	return m.ok("load tables", ctx, err)
}

// FlushCaches implements Backend.FlushCaches.
func (m *Machine) FlushCaches(ctx partition.ContextDesc) bool {
	err := m.with(ctx, func(c *vcpu) error {
		c.Flushes++
		return nil
	})
	return m.ok("flush caches", ctx, err)
}

// Shutdown implements Backend.Shutdown.
func (m *Machine) Shutdown(ctx partition.ContextDesc) bool {
	err := m.with(ctx, func(c *vcpu) error {
		c.State = StateHalted
		c.Registers.Activity.State = ring0.ActivityHalted
		return nil
	})
	return m.ok("shutdown", ctx, err)
}

// NMI implements Backend.NMI.
func (m *Machine) NMI(ctx partition.ContextDesc, regs ring0.GPRs) bool {
	err := m.with(ctx, func(c *vcpu) error {
		c.NMIs++
		c.LastNMI = regs
		return nil
	})
	return m.ok("nmi", ctx, err)
}

// VCPU implements Backend.VCPU.
func (m *Machine) VCPU(ctx partition.ContextDesc) (Snapshot, bool) {
	var s Snapshot
	err := m.with(ctx, func(c *vcpu) error {
		s = c.Snapshot
		return nil
	})
	return s, err == nil
}

func (m *Machine) ok(op string, ctx partition.ContextDesc, err error) bool {
	if err != nil {
		log.Debugf("%s: %s on %v: %v", m.name, op, ctx, err)
		return false
	}
	return true
}
