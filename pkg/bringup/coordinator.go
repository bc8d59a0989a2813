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

package bringup

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/metric"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/platform"
)

var operationalMetric = metric.MustCreateNewUint64Metric("/bringup/operational", false /* sync */, "Number of CPUs that reached the operational state.",
	metric.NewField("role", []string{"leader", "follower"}))

var wakeWaitMetric = metric.MustCreateNewUint64NanosecondsMetric("/bringup/wake_wait", false /* sync */, "Total time followers spent waiting for their wake signal.")

// State is the bring-up state of a CPU.
type State uint32

// Bring-up states.
const (
	// StateAdmitted has not started bring-up.
	StateAdmitted State = iota

	// StateWaiting is a follower waiting for its wake signal.
	StateWaiting

	// StateOperational has started. It is terminal.
	StateOperational
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateWaiting:
		return "waiting"
	case StateOperational:
		return "operational"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Errors returned by the coordinator.
var (
	ErrNotAdmitted = errors.New("cpu not admitted")
	ErrWakeLeader  = errors.New("the boot processor cannot be woken")
	ErrStart       = errors.New("cpu start failed")
)

// Coordinator runs the bring-up of the CPUs admitted to a manager.
type Coordinator struct {
	manager *partition.Manager
	backend platform.Backend

	mu      sync.Mutex
	signals map[uint32]*Signal
	states  map[uint32]State
}

// NewCoordinator returns a coordinator.
func NewCoordinator(m *partition.Manager, b platform.Backend) *Coordinator {
	return &Coordinator{
		manager: m,
		backend: b,
		signals: make(map[uint32]*Signal),
		states:  make(map[uint32]State),
	}
}

// signal returns the wake signal of cpuID.
func (c *Coordinator) signal(cpuID uint32) *Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signals[cpuID]
	if !ok {
		s = new(Signal)
		c.signals[cpuID] = s
	}
	return s
}

func (c *Coordinator) setState(cpuID uint32, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[cpuID] = s
}

// State returns the bring-up state of cpuID.
func (c *Coordinator) State(cpuID uint32) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[cpuID]
}

// Run brings up the CPU ctx names. The boot processor leads: it freezes
// the manager and, if the platform has more than one CPU, arms wake
// interception. Every other CPU follows: it waits for its wake signal and
// installs the entry state the vector selects. Both then start.
func (c *Coordinator) Run(ctx partition.ContextDesc) error {
	cpuID, ok := c.manager.CPUID(ctx)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotAdmitted, ctx)
	}
	l := log.CPULogger(cpuID)
	role := "follower"
	if ctx.IsBSP {
		role = "leader"
		c.manager.Freeze()
		if n := c.manager.NumPlatformCPUs(); n > 1 {
			if err := c.backend.ArmWakeInterception(ctx); err != nil {
				return fmt.Errorf("arming wake interception: %w", err)
			}
			l.Infof("Wake interception armed for %d CPUs", n-1)
		}
	} else {
		c.setState(cpuID, StateWaiting)
		l.Debugf("Waiting for wake signal")
		start := time.Now()
		vector := c.signal(cpuID).Wait()
		wakeWaitMetric.IncrementBy(uint64(time.Since(start).Nanoseconds()))
		if err := c.backend.PostWake(ctx, vector); err != nil {
			return fmt.Errorf("wake with vector %#x: %w", vector, err)
		}
		l.Infof("Woken with vector %#x", vector)
	}
	if !c.manager.StartCPU(ctx) {
		return fmt.Errorf("%w: %v", ErrStart, ctx)
	}
	c.setState(cpuID, StateOperational)
	operationalMetric.Increment(role)
	l.Infof("Operational")
	return nil
}

// Wake delivers vector to cpuID's wake signal. It is only legal once the
// manager is frozen; an earlier call halts.
func (c *Coordinator) Wake(cpuID uint32, vector uint8) error {
	if !c.manager.Frozen() {
		halt.Halt("wake of cpu %#x before admission froze", cpuID)
	}
	ctx := c.manager.GetContext(cpuID)
	if !ctx.Valid() {
		return fmt.Errorf("%w: cpu %#x", ErrNotAdmitted, cpuID)
	}
	if ctx.IsBSP {
		return ErrWakeLeader
	}
	c.signal(cpuID).Deliver(vector)
	return nil
}

// RunAll brings up every CPU of ctxs concurrently, each on its own locked
// OS thread pinned to the matching host CPU where there is one. After the
// leader is operational it wakes every follower with vector. A leader
// failure halts, and so does a follower the leader cannot wake, since the
// remaining followers could never be released.
func RunAll(c *Coordinator, ctxs []partition.ContextDesc, vector uint8) error {
	var g errgroup.Group
	for _, ctx := range ctxs {
		ctx := ctx
		g.Go(func() error {
			// The thread is never unlocked, so that it exits with its
			// affinity when the goroutine returns.
			runtime.LockOSThread()
			cpuID, ok := c.manager.CPUID(ctx)
			if !ok {
				return fmt.Errorf("%w: %v", ErrNotAdmitted, ctx)
			}
			if err := pin(cpuID); err != nil {
				log.CPULogger(cpuID).Debugf("Not pinned: %v", err)
			}
			err := c.Run(ctx)
			if !ctx.IsBSP {
				return err
			}
			if err != nil {
				halt.Halt("bring-up of the boot processor failed: %v", err)
			}
			for _, f := range ctxs {
				if f.IsBSP {
					continue
				}
				id, ok := c.manager.CPUID(f)
				if !ok {
					halt.Halt("bring-up: follower %v is not admitted", f)
				}
				if err := c.Wake(id, vector); err != nil {
					halt.Halt("bring-up: waking cpu %#x failed: %v", id, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
