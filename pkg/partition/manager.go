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

package partition

import (
	"sync"
	"sync/atomic"

	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/metric"
)

var admissionsMetric = metric.MustCreateNewUint64Metric("/partition/admissions", false /* sync */, "Number of CPU admissions by outcome.",
	metric.NewField("outcome", []string{"admitted", "rejected"}))

// Arch is the architecture backend consulted on admission and start.
type Arch interface {
	// SetupBaseState prepares the processor state of the CPU named by
	// ctx. It is called before the CPU is committed to the stores.
	SetupBaseState(ctx ContextDesc) error

	// StartCPU starts the CPU named by ctx.
	StartCPU(ctx ContextDesc) error
}

// Shaper establishes a partition's second-level address-space shape.
type Shaper interface {
	EstablishShape(p PartitionIndex)
}

// Config bounds the stores.
type Config struct {
	// MaxPartitions is the capacity of the partition store.
	MaxPartitions int

	// MaxCPUs is the capacity of the CPU store.
	MaxCPUs int

	// MaxCPUsPerPartition bounds a partition's member list. Zero means
	// MaxCPUs.
	MaxCPUsPerPartition int
}

// cpu is the CPU store element.
type cpu struct {
	id        uint32
	isBSP     bool
	partition PartitionIndex
	quiesced  atomic.Bool
}

// partitionState is the partition store element.
type partitionState struct {
	typ     Type
	members []Member
}

// cpuEntry is an entry of the flat cpu id lookup table.
type cpuEntry struct {
	cpuID     uint32
	cpu       CPUIndex
	partition PartitionIndex
}

// Manager is the partition and CPU context manager.
type Manager struct {
	cfg    Config
	arch   Arch
	shaper Shaper

	// writer is non-zero while an admission mutation runs. Overlapping
	// writers mean the single-writer discipline was broken.
	writer atomic.Int32

	// frozen is set by Freeze.
	frozen atomic.Bool

	// mu protects the stores below against readers running while the
	// admission writer commits.
	mu         sync.RWMutex
	partitions *arena[partitionState]
	cpus       *arena[cpu]
	lookup     []cpuEntry
}

// NewManager returns an empty manager.
func NewManager(cfg Config, arch Arch, shaper Shaper) *Manager {
	if cfg.MaxCPUsPerPartition <= 0 || cfg.MaxCPUsPerPartition > cfg.MaxCPUs {
		cfg.MaxCPUsPerPartition = cfg.MaxCPUs
	}
	return &Manager{
		cfg:        cfg,
		arch:       arch,
		shaper:     shaper,
		partitions: newArena[partitionState](cfg.MaxPartitions),
		cpus:       newArena[cpu](cfg.MaxCPUs),
		lookup:     make([]cpuEntry, 0, cfg.MaxCPUs),
	}
}

// beginWrite starts an admission mutation. It returns false, after logging,
// if admission is over.
func (m *Manager) beginWrite(op string) bool {
	if !m.writer.CompareAndSwap(0, 1) {
		halt.Halt("%s: concurrent admission writers", op)
	}
	if m.frozen.Load() {
		m.writer.Store(0)
		log.Warningf("%s after admission froze; ignored", op)
		return false
	}
	return true
}

func (m *Manager) endWrite() {
	m.writer.Store(0)
}

// Freeze ends the admission phase. Every later CreatePartition and AddCPU
// returns the invalid sentinel.
func (m *Manager) Freeze() {
	if !m.writer.CompareAndSwap(0, 1) {
		halt.Halt("freeze: concurrent admission writers")
	}
	defer m.endWrite()
	if m.frozen.Swap(true) {
		return
	}
	log.Infof("Admission frozen: %d partitions, %d cpus", m.partitions.len(), m.cpus.len())
}

// Frozen returns true once Freeze has been called.
func (m *Manager) Frozen() bool {
	return m.frozen.Load()
}

// CreatePartition creates a partition of type t. It returns InvalidPartition
// if t is not Primary, the store is full or admission is over.
func (m *Manager) CreatePartition(t Type) PartitionIndex {
	if !m.beginWrite("create partition") {
		return InvalidPartition
	}
	defer m.endWrite()

	if t != Primary {
		log.Debugf("Create partition: unsupported type %v", t)
		return InvalidPartition
	}
	m.mu.Lock()
	idx, p, ok := m.partitions.alloc()
	if !ok {
		m.mu.Unlock()
		log.Warningf("Create partition: all %d partitions in use", m.cfg.MaxPartitions)
		return InvalidPartition
	}
	p.typ = t
	m.mu.Unlock()

	pidx := PartitionIndex(idx)
	if m.shaper != nil {
		m.shaper.EstablishShape(pidx)
	}
	log.Infof("Created %v partition %d", t, pidx)
	return pidx
}

// AddCPU admits physical CPU cpuID into partition p. On any failure it
// returns the invalid descriptor, with IsBSP echoing the argument, and
// leaves the stores unchanged.
//
// The returned descriptor carries the partition's CPU count as of this
// admission.
func (m *Manager) AddCPU(p PartitionIndex, cpuID uint32, isBSP bool) ContextDesc {
	invalid := InvalidContext(isBSP)
	if !m.beginWrite("add cpu") {
		return invalid
	}
	defer m.endWrite()
	clog := log.CPULogger(cpuID)

	m.mu.RLock()
	part, ok := m.partitions.get(uint32(p))
	if !ok {
		m.mu.RUnlock()
		clog.Debugf("Add cpu: bad partition index %d", p)
		admissionsMetric.Increment("rejected")
		return invalid
	}
	var reason string
	switch {
	case m.cpus.full():
		reason = "cpu store full"
	case len(part.members) >= m.cfg.MaxCPUsPerPartition:
		reason = "partition full"
	case m.findLocked(cpuID) != nil:
		reason = "cpu already admitted"
	}
	ctx := ContextDesc{
		CPU:       CPUIndex(m.cpus.len()),
		IsBSP:     isBSP,
		Partition: p,
		NumCPUs:   uint32(len(part.members)) + 1,
	}
	m.mu.RUnlock()
	if reason != "" {
		clog.Warningf("Add cpu to partition %d: %s", p, reason)
		admissionsMetric.Increment("rejected")
		return invalid
	}

	if err := m.arch.SetupBaseState(ctx); err != nil {
		clog.Warningf("Add cpu to partition %d: base state: %v", p, err)
		admissionsMetric.Increment("rejected")
		return invalid
	}

	m.mu.Lock()
	idx, c, _ := m.cpus.alloc()
	c.id = cpuID
	c.isBSP = isBSP
	c.partition = p
	m.lookup = append(m.lookup, cpuEntry{cpuID: cpuID, cpu: CPUIndex(idx), partition: p})
	part.members = append(part.members, Member{CPUID: cpuID, CPU: CPUIndex(idx)})
	m.mu.Unlock()

	admissionsMetric.Increment("admitted")
	clog.Infof("Admitted as %v", ctx)
	return ctx
}

// findLocked returns the lookup entry for cpuID.
//
// Preconditions: m.mu is held.
func (m *Manager) findLocked(cpuID uint32) *cpuEntry {
	for i := range m.lookup {
		if m.lookup[i].cpuID == cpuID {
			return &m.lookup[i]
		}
	}
	return nil
}

// GetContext returns the descriptor of physical CPU cpuID, or the invalid
// descriptor if it was never admitted. NumCPUs is the partition's current
// CPU count.
func (m *Manager) GetContext(cpuID uint32) ContextDesc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.findLocked(cpuID)
	if e == nil {
		return InvalidContext(false)
	}
	c, _ := m.cpus.get(uint32(e.cpu))
	part, _ := m.partitions.get(uint32(e.partition))
	return ContextDesc{
		CPU:       e.cpu,
		IsBSP:     c.isBSP,
		Partition: e.partition,
		NumCPUs:   uint32(len(part.members)),
	}
}

// resolve returns the CPU named by ctx if ctx agrees with the stores.
func (m *Manager) resolve(ctx ContextDesc) (*cpu, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !ctx.Valid() {
		return nil, false
	}
	c, ok := m.cpus.get(uint32(ctx.CPU))
	if !ok || c.partition != ctx.Partition {
		return nil, false
	}
	return c, true
}

// StartCPU starts the CPU named by ctx through the architecture backend.
func (m *Manager) StartCPU(ctx ContextDesc) bool {
	c, ok := m.resolve(ctx)
	if !ok {
		log.Debugf("Start cpu: stale descriptor %v", ctx)
		return false
	}
	if err := m.arch.StartCPU(ctx); err != nil {
		log.CPULogger(c.id).Warningf("Start failed: %v", err)
		return false
	}
	return true
}

// Quiesce marks the CPU named by ctx quiesced. It returns false if ctx is
// stale.
func (m *Manager) Quiesce(ctx ContextDesc) bool {
	c, ok := m.resolve(ctx)
	if !ok {
		return false
	}
	c.quiesced.Store(true)
	return true
}

// Resume clears the quiesced mark of the CPU named by ctx.
func (m *Manager) Resume(ctx ContextDesc) bool {
	c, ok := m.resolve(ctx)
	if !ok {
		return false
	}
	c.quiesced.Store(false)
	return true
}

// Quiesced returns true iff the CPU named by ctx is quiesced.
func (m *Manager) Quiesced(ctx ContextDesc) bool {
	c, ok := m.resolve(ctx)
	return ok && c.quiesced.Load()
}

// Partition returns a snapshot of partition p.
func (m *Manager) Partition(p PartitionIndex) (Partition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	part, ok := m.partitions.get(uint32(p))
	if !ok {
		return Partition{}, false
	}
	return Partition{
		Index:   p,
		Type:    part.typ,
		Members: append([]Member(nil), part.members...),
	}, true
}

// NumCPUs returns the CPU count of partition p, zero if p is unknown.
func (m *Manager) NumCPUs(p PartitionIndex) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	part, ok := m.partitions.get(uint32(p))
	if !ok {
		return 0
	}
	return uint32(len(part.members))
}

// NumPlatformCPUs returns the number of CPUs admitted across all partitions.
func (m *Manager) NumPlatformCPUs() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(m.cpus.len())
}

// Contexts returns the descriptor of every admitted CPU of partition p in
// admission order.
func (m *Manager) Contexts(p PartitionIndex) []ContextDesc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	part, ok := m.partitions.get(uint32(p))
	if !ok {
		return nil
	}
	ctxs := make([]ContextDesc, 0, len(part.members))
	for _, mem := range part.members {
		c, _ := m.cpus.get(uint32(mem.CPU))
		ctxs = append(ctxs, ContextDesc{
			CPU:       mem.CPU,
			IsBSP:     c.isBSP,
			Partition: p,
			NumCPUs:   uint32(len(part.members)),
		})
	}
	return ctxs
}

// CPUID returns the physical id of the CPU named by ctx.
func (m *Manager) CPUID(ctx ContextDesc) (uint32, bool) {
	c, ok := m.resolve(ctx)
	if !ok {
		return 0, false
	}
	return c.id, true
}
