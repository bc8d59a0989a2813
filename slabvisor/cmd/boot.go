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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"slabvisor.dev/slabvisor/pkg/bringup"
	"slabvisor.dev/slabvisor/pkg/dispatch"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/metric"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
	"slabvisor.dev/slabvisor/pkg/slab"
	"slabvisor.dev/slabvisor/slabvisor/cmd/util"
	"slabvisor.dev/slabvisor/slabvisor/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// caller is the slab that issues the admission calls.
	caller string

	// target is the slab that serves them.
	target string

	// guest is the slab whose memory shapes the primary partition. Empty
	// selects the first guest slab of the table.
	guest string

	// vector is the wake vector sent to the application processors.
	vector uint

	// prebuild builds every unverified slab's table before bring-up.
	prebuild bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "admit the processors into the primary partition and bring them up"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - loads the slab table, admits --cpus processors through the hypercall gateway and runs the bring-up protocol on every one of them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.caller, "caller", "core.init", "slab that issues the admission hypercalls.")
	f.StringVar(&b.target, "target", "core.api", "slab that serves hypercalls.")
	f.StringVar(&b.guest, "guest", "", "guest slab whose memory shapes the primary partition. Empty selects the first guest slab.")
	f.UintVar(&b.vector, "vector", 0x9a, "wake vector sent to the application processors.")
	f.BoolVar(&b.prebuild, "prebuild", true, "build the page tables of every unverified slab before bring-up.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if b.vector > 0xff {
		return util.Errorf("wake vector %#x does not fit in a byte", b.vector)
	}

	if err := metric.Initialize(); err != nil {
		return util.Errorf("initializing metrics: %v", err)
	}
	e, err := newEnv(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer e.release()
	log.Infof("Slab table: %d slabs, page table window %v, backend %q", e.table.Len(), e.builder.Window, e.backend.Name())

	caller, err := slabByName(e.table, b.caller)
	if err != nil {
		return util.Errorf("caller: %v", err)
	}
	target, err := slabByName(e.table, b.target)
	if err != nil {
		return util.Errorf("target: %v", err)
	}
	guest, err := b.guestSlab(e.table)
	if err != nil {
		return util.Errorf("%v", err)
	}

	tables := pagetables.NewSet(e.builder)
	shapes := pagetables.NewShapes(tables, guest.ID)
	manager := partition.NewManager(partition.Config{
		MaxPartitions: conf.MaxPartitions,
		MaxCPUs:       conf.MaxCPUs,
	}, e.backend, shapes)
	gw := dispatch.New(dispatch.Config{
		Self:    target.ID,
		Table:   e.table,
		Manager: manager,
		Backend: e.backend,
		Tables:  tables,
	})

	p, err := admit(gw, caller.ID, target.ID, conf.CPUs)
	if err != nil {
		return util.Errorf("admission: %v", err)
	}
	if b.prebuild {
		if err := prebuild(e.table, tables); err != nil {
			return util.Errorf("building page tables: %v", err)
		}
	}
	if err := bringUp(manager, e, p, uint8(b.vector)); err != nil {
		return util.Errorf("bring-up: %v", err)
	}

	shape, ok := shapes.Get(p)
	if !ok {
		return util.Errorf("partition %d has no shape", p)
	}
	root := shape.RootPointer(uint8(p))
	for _, ctx := range manager.Contexts(p) {
		if !e.backend.LoadTables(ctx, root) {
			return util.Errorf("loading tables on %v failed", ctx)
		}
	}
	util.Infof("Partition %d operational: %d CPUs, %s root %#x", p, manager.NumCPUs(p), shape.Format().Name(), root)

	if conf.Metrics != "" {
		if err := writeMetrics(conf.Metrics); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// guestSlab resolves the guest flag.
func (b *Boot) guestSlab(t *slab.Table) (slab.Descriptor, error) {
	if b.guest != "" {
		d, err := slabByName(t, b.guest)
		if err != nil {
			return d, fmt.Errorf("guest: %w", err)
		}
		if !d.Guest.IsGuest {
			return d, fmt.Errorf("slab %q is not a guest", d.Name)
		}
		return d, nil
	}
	for _, d := range t.Rows() {
		if d.Guest.IsGuest {
			return d, nil
		}
	}
	return slab.Descriptor{}, fmt.Errorf("slab table has no guest slab")
}

// admit creates the primary partition and admits CPUs 0 through cpus-1 into
// it through the gateway, CPU 0 being the boot processor.
func admit(gw *dispatch.Gateway, src, dst slab.ID, cpus int) (partition.PartitionIndex, error) {
	defer metric.StartStage(metric.InitAdmission)()
	r, err := gw.Dispatch(src, dst, dispatch.PartitionCreate{Type: partition.Primary})
	if err != nil {
		return partition.InvalidPartition, err
	}
	p := partition.PartitionIndex(r.(dispatch.U32))
	if p == partition.InvalidPartition {
		return p, fmt.Errorf("primary partition not created")
	}
	for i := 0; i < cpus; i++ {
		r, err := gw.Dispatch(src, dst, dispatch.PartitionAddCPU{
			Partition: p,
			CPUID:     uint32(i),
			IsBSP:     i == 0,
		})
		if err != nil {
			return p, err
		}
		if ctx := r.(dispatch.Context); !ctx.Valid() {
			return p, fmt.Errorf("cpu %#x not admitted", i)
		}
	}
	return p, nil
}

// prebuild builds the table of every slab in the builder's window.
func prebuild(t *slab.Table, tables *pagetables.Set) error {
	defer metric.StartStage(metric.InitBuildTables)()
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, d := range t.Rows() {
		if d.Type.Verified() {
			continue
		}
		d := d
		g.Go(func() error {
			if _, ok := tables.Get(d.ID); !ok {
				return fmt.Errorf("no table for slab %d (%s)", d.ID, d.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("Built %d page tables", tables.Built())
	return nil
}

// bringUp runs the bring-up protocol on every CPU of partition p.
func bringUp(m *partition.Manager, e *env, p partition.PartitionIndex, vector uint8) error {
	defer metric.StartStage(metric.InitBringUp)()
	c := bringup.NewCoordinator(m, e.backend)
	return bringup.RunAll(c, m.Contexts(p), vector)
}

// writeMetrics writes the Prometheus exposition to path, "-" being stdout.
// A file is written under a lock on path + ".lock" so that runs sharing an
// output never interleave.
func writeMetrics(path string) error {
	if path == "-" {
		return metric.WritePrometheus(os.Stdout)
	}
	l := flock.New(path + ".lock")
	if err := l.Lock(); err != nil {
		return fmt.Errorf("error acquiring lock on %q: %w", l.Path(), err)
	}
	defer l.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.WritePrometheus(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
