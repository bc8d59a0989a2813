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

// Package dispatch implements the capability dispatch gateway: every call a
// slab makes into the core passes an explicit capability check against the
// slab table before its handler runs.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/metric"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/platform"
	"slabvisor.dev/slabvisor/pkg/ring0"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
	"slabvisor.dev/slabvisor/pkg/slab"
)

// Call outcomes, as recorded by the calls metric.
const (
	outcomeOK        = "ok"
	outcomeDenied    = "denied"
	outcomeMalformed = "malformed"
)

var callsMetric = metric.MustCreateNewUint64Metric("/dispatch/calls", true /* sync */, "Number of gateway calls by function and outcome.",
	metric.NewField("fn", fnNames()),
	metric.NewField("outcome", []string{outcomeOK, outcomeDenied, outcomeMalformed}))

// ErrCapabilityDenied is returned when the caller may not make a call.
var ErrCapabilityDenied = errors.New("capability denied")

// ErrMalformed is returned when raw call arguments cannot be decoded.
var ErrMalformed = errors.New("malformed arguments")

// DeniedError describes a denied call. It wraps ErrCapabilityDenied.
type DeniedError struct {
	Src, Dst slab.ID
	Fn       FnID
	Reason   string
}

// Error implements error.Error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("%v: slab %d -> slab %d %v: %s", ErrCapabilityDenied, e.Src, e.Dst, e.Fn, e.Reason)
}

// Unwrap returns ErrCapabilityDenied.
func (e *DeniedError) Unwrap() error {
	return ErrCapabilityDenied
}

// DefaultDenialLogInterval bounds how often denials are logged.
const DefaultDenialLogInterval = time.Second

// Config configures a Gateway.
type Config struct {
	// Self is the slab the gateway serves calls for. Calls to any other
	// destination are denied.
	Self slab.ID

	// Table is the slab capability table.
	Table *slab.Table

	// Manager is the partition and CPU context manager.
	Manager *partition.Manager

	// Backend is the architecture backend.
	Backend platform.Backend

	// Tables holds the slabs' second-level tables.
	Tables *pagetables.Set

	// DenialLogInterval bounds how often denials are logged. Zero means
	// DefaultDenialLogInterval.
	DenialLogInterval time.Duration
}

// Gateway is the capability dispatch gateway.
type Gateway struct {
	self    slab.ID
	table   *slab.Table
	manager *partition.Manager
	backend platform.Backend
	tables  *pagetables.Set
	denials log.Logger
}

// New returns a gateway.
func New(cfg Config) *Gateway {
	every := cfg.DenialLogInterval
	if every == 0 {
		every = DefaultDenialLogInterval
	}
	return &Gateway{
		self:    cfg.Self,
		table:   cfg.Table,
		manager: cfg.Manager,
		backend: cfg.Backend,
		tables:  cfg.Tables,
		denials: log.RateLimitedLogger(log.Log(), every),
	}
}

// deny records and returns a denied call.
func (g *Gateway) deny(src, dst slab.ID, fn FnID, format string, v ...any) error {
	e := &DeniedError{Src: src, Dst: dst, Fn: fn, Reason: fmt.Sprintf(format, v...)}
	g.denials.Warningf("%v", e)
	callsMetric.Increment(fn.String(), outcomeDenied)
	return e
}

// check decides whether src may invoke fn on dst.
func (g *Gateway) check(src, dst slab.ID, fn FnID) error {
	d, ok := g.table.Lookup(src)
	if !ok {
		return g.deny(src, dst, fn, "unknown source")
	}
	if _, ok := g.table.Lookup(dst); !ok {
		return g.deny(src, dst, fn, "unknown destination")
	}
	if !g.table.CanCall(src, dst) {
		return g.deny(src, dst, fn, "no call capability")
	}
	if dst != g.self {
		return g.deny(src, dst, fn, "destination does not serve gateway calls")
	}
	if need := fn.Privilege(); d.Privileges&need != need {
		return g.deny(src, dst, fn, "missing privilege %v (have %v)", need, d.Privileges)
	}
	return nil
}

// editedSlab returns the slab whose table req modifies, if any.
func editedSlab(req Request) (slab.ID, bool) {
	switch req := req.(type) {
	case HPTSetProt:
		return req.Slab, true
	case HPTSetEntry:
		return req.Slab, true
	}
	return 0, false
}

// checkTarget decides whether src may modify the table req names. Verified
// slabs may edit any table. An unverified slab may only edit guest tables,
// so it cannot undo its own I/O table remap or reshape another hypervisor
// slab.
func (g *Gateway) checkTarget(src, dst slab.ID, req Request) error {
	id, ok := editedSlab(req)
	if !ok {
		return nil
	}
	d, _ := g.table.Lookup(src)
	if d.Type.Verified() {
		return nil
	}
	if id == src {
		return g.deny(src, dst, req.Fn(), "unverified slab may not edit its own table")
	}
	if t, ok := g.table.Lookup(id); ok && !t.Guest.IsGuest {
		return g.deny(src, dst, req.Fn(), "table of hypervisor slab %d not writable by unverified caller", id)
	}
	return nil
}

// Dispatch checks that src may call dst with req and, if so, runs the
// handler. A denied call returns an error wrapping ErrCapabilityDenied and
// has no effect.
func (g *Gateway) Dispatch(src, dst slab.ID, req Request) (Result, error) {
	fn := req.Fn()
	if !fn.Valid() {
		halt.Halt("dispatch: unknown function %v", fn)
	}
	if err := g.check(src, dst, fn); err != nil {
		return nil, err
	}
	if err := g.checkTarget(src, dst, req); err != nil {
		return nil, err
	}
	return g.run(req), nil
}

// run executes a request that passed the capability check.
func (g *Gateway) run(req Request) Result {
	var r Result
	switch req := req.(type) {
	case HPTSetProt:
		r = Bool(g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			return t.SetProtection(hostarch.Addr(req.GPA), hostarch.AccessFromBits(req.Prot))
		}))
	case HPTGetProt:
		var bits uint32
		g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			at, ok := t.Protection(hostarch.Addr(req.GPA))
			bits = at.Bits()
			return ok
		})
		r = U32(bits)
	case HPTSetEntry:
		r = Bool(g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			return t.SetEntry(hostarch.Addr(req.GPA), pagetables.PTE(req.Entry))
		}))
	case HPTGetEntry:
		var e pagetables.PTE
		g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			var ok bool
			e, ok = t.Entry(hostarch.Addr(req.GPA))
			return ok
		})
		r = U64(e)
	case HPTFlushCaches:
		r = Bool(g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			t.Flush()
			ctx, ok := g.context(req.CPUID)
			return ok && g.backend.FlushCaches(ctx)
		}))
	case HPTLvl2PageWalk:
		pa := pagetables.Unmapped
		g.withTable(req.Slab, func(t *pagetables.PageTables) bool {
			var ok bool
			if pa, ok = t.Translate(hostarch.Addr(req.GPA)); !ok {
				pa = pagetables.Unmapped
			}
			return ok
		})
		r = U64(pa)
	case TrapMaskSet:
		ctx, ok := g.context(req.CPUID)
		r = Bool(ok && g.backend.SetTrapMask(ctx, req.Mask))
	case TrapMaskClear:
		ctx, ok := g.context(req.CPUID)
		r = Bool(ok && g.backend.ClearTrapMask(ctx, req.Mask))
	case CPUStateSet:
		ctx, ok := g.context(req.CPUID)
		r = Bool(ok && req.Params != nil && g.backend.SetCPUState(ctx, req.Params))
	case CPUStateGet:
		var p ring0.Params
		if ctx, ok := g.context(req.CPUID); ok {
			p, _ = g.backend.CPUState(ctx, req.Op)
		}
		r = Params{p}
	case PartitionCreate:
		r = U32(g.manager.CreatePartition(req.Type))
	case PartitionAddCPU:
		r = Context{g.manager.AddCPU(req.Partition, req.CPUID, req.IsBSP)}
	case PartitionGetContext:
		r = Context{g.manager.GetContext(req.CPUID)}
	case PartitionStartCPU:
		r = Bool(g.manager.StartCPU(req.Context))
	case PlatformShutdown:
		r = Bool(g.shutdown(req.CPUID))
	case NMIException:
		if ctx, ok := g.context(req.CPUID); ok {
			g.backend.NMI(ctx, req.Regs)
		}
		r = None{}
	default:
		halt.Halt("dispatch: unhandled request %T", req)
	}
	if want := ResultTag(req.Fn()); r.Tag() != want {
		halt.Halt("dispatch: %v produced a %v result, want %v", req.Fn(), r.Tag(), want)
	}
	callsMetric.Increment(req.Fn().String(), outcomeOK)
	return r
}

// withTable runs fn on the table of slab id. It returns false if the slab
// has no table.
func (g *Gateway) withTable(id slab.ID, fn func(t *pagetables.PageTables) bool) bool {
	t, ok := g.tables.Get(id)
	if !ok {
		log.Debugf("dispatch: slab %d has no page tables", id)
		return false
	}
	return fn(t)
}

// context resolves a physical CPU id.
func (g *Gateway) context(cpuID uint32) (partition.ContextDesc, bool) {
	ctx := g.manager.GetContext(cpuID)
	if !ctx.Valid() {
		log.Debugf("dispatch: unknown cpu %#x", cpuID)
		return ctx, false
	}
	return ctx, true
}

// shutdown quiesces and halts every CPU of cpuID's partition.
func (g *Gateway) shutdown(cpuID uint32) bool {
	ctx, ok := g.context(cpuID)
	if !ok {
		return false
	}
	log.CPULogger(cpuID).Infof("Platform shutdown of partition %d", ctx.Partition)
	all := true
	for _, c := range g.manager.Contexts(ctx.Partition) {
		g.manager.Quiesce(c)
		all = g.backend.Shutdown(c) && all
	}
	return all
}
