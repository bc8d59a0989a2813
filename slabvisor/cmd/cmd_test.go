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
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"slabvisor.dev/slabvisor/pkg/dispatch"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
	"slabvisor.dev/slabvisor/pkg/slab"
	"slabvisor.dev/slabvisor/slabvisor/config"
)

func testConfig(t *testing.T, flags map[string]string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	for name, val := range flags {
		if err := fs.Set(name, val); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, val, err)
		}
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestSlabByName(t *testing.T) {
	table := slab.Default()
	for _, name := range []string{"core.api", "0"} {
		d, err := slabByName(table, name)
		if err != nil {
			t.Fatalf("slabByName(%q): %v", name, err)
		}
		if d.ID != slab.CoreAPI {
			t.Errorf("slabByName(%q) = %d, want %d", name, d.ID, slab.CoreAPI)
		}
	}
	for _, name := range []string{"nope", "63", "-1"} {
		if _, err := slabByName(table, name); err == nil {
			t.Errorf("slabByName(%q) succeeded", name)
		}
	}
}

func TestGuestSlab(t *testing.T) {
	table := slab.Default()
	d, err := (&Boot{}).guestSlab(table)
	if err != nil {
		t.Fatalf("guestSlab: %v", err)
	}
	if d.ID != slab.GuestPrimary {
		t.Errorf("guestSlab = %d, want %d", d.ID, slab.GuestPrimary)
	}
	if _, err := (&Boot{guest: "app.test"}).guestSlab(table); err == nil {
		t.Errorf("guestSlab(app.test) succeeded")
	}
}

func TestAdmitAndBringUp(t *testing.T) {
	conf := testConfig(t, map[string]string{"platform": "stage2", "cpus": "3"})
	e, err := newEnv(conf)
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	defer e.release()
	tables := pagetables.NewSet(e.builder)
	shapes := pagetables.NewShapes(tables, slab.GuestPrimary)
	m := partition.NewManager(partition.Config{MaxPartitions: 1, MaxCPUs: 4}, e.backend, shapes)
	gw := dispatch.New(dispatch.Config{
		Self:    slab.CoreAPI,
		Table:   e.table,
		Manager: m,
		Backend: e.backend,
		Tables:  tables,
	})

	// The application slabs hold no partition privilege.
	if _, err := admit(gw, slab.AppTest, slab.CoreAPI, 3); err == nil {
		t.Fatalf("admit from app.test succeeded")
	}

	p, err := admit(gw, slab.CoreInit, slab.CoreAPI, 3)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if got := m.NumCPUs(p); got != 3 {
		t.Fatalf("NumCPUs = %d, want 3", got)
	}
	if err := bringUp(m, e, p, 0x9a); err != nil {
		t.Fatalf("bringUp: %v", err)
	}
	if !m.Frozen() {
		t.Errorf("manager not frozen after bring-up")
	}
	if _, ok := shapes.Get(p); !ok {
		t.Errorf("partition %d has no shape", p)
	}
}

func TestDefaultTableHPTEdits(t *testing.T) {
	conf := testConfig(t, map[string]string{"platform": "stage2"})
	e, err := newEnv(conf)
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	defer e.release()
	tables := pagetables.NewSet(e.builder)
	shapes := pagetables.NewShapes(tables, slab.GuestPrimary)
	m := partition.NewManager(partition.Config{MaxPartitions: 1, MaxCPUs: 4}, e.backend, shapes)
	gw := dispatch.New(dispatch.Config{
		Self:    slab.CoreAPI,
		Table:   e.table,
		Manager: m,
		Backend: e.backend,
		Tables:  tables,
	})
	const ioTable = 0x10600000

	for _, req := range []dispatch.Request{
		dispatch.HPTSetEntry{Slab: slab.AppHyperDEP, GPA: ioTable},
		dispatch.HPTSetProt{Slab: slab.AppHyperDEP, GPA: ioTable, Prot: hostarch.AnyAccess.Bits()},
		dispatch.HPTSetProt{Slab: slab.AppTest, GPA: 0x5000, Prot: hostarch.Read.Bits()},
	} {
		if _, err := gw.Dispatch(slab.AppHyperDEP, slab.CoreAPI, req); !errors.Is(err, dispatch.ErrCapabilityDenied) {
			t.Errorf("app.hyperdep %T on slab %v = %v, want %v", req, req, err, dispatch.ErrCapabilityDenied)
		}
	}
	pt, _ := tables.Get(slab.AppHyperDEP)
	want, _ := e.table.Lookup(slab.AppHyperDEP)
	if got, ok := pt.Translate(ioTable); !ok || got != uint64(want.IOTableBase) {
		t.Errorf("app.hyperdep I/O table maps to %#x, %t, want %#x", got, ok, uint64(want.IOTableBase))
	}

	p, err := admit(gw, slab.CoreInit, slab.CoreAPI, 1)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	r, err := gw.Dispatch(slab.AppHyperDEP, slab.CoreAPI, dispatch.HPTSetProt{Slab: slab.GuestPrimary, GPA: 0x5000, Prot: hostarch.Read.Bits()})
	if err != nil || r != dispatch.Bool(true) {
		t.Fatalf("app.hyperdep HPTSetProt on the guest = %v, %v, want true", r, err)
	}
	shape, _ := shapes.Get(p)
	if got, ok := shape.Protection(0x5000); !ok || got != hostarch.Read {
		t.Errorf("guest shape Protection = %v, %t, want %v", got, ok, hostarch.Read)
	}
}

func TestPrebuild(t *testing.T) {
	conf := testConfig(t, map[string]string{"platform": "vmx"})
	e, err := newEnv(conf)
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	defer e.release()
	tables := pagetables.NewSet(e.builder)
	if err := prebuild(e.table, tables); err != nil {
		t.Fatalf("prebuild: %v", err)
	}
	want := 0
	for _, d := range e.table.Rows() {
		if !d.Type.Verified() {
			want++
		}
	}
	if got := tables.Built(); got != want {
		t.Errorf("Built = %d, want %d", got, want)
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	if err := printTable(&buf, slab.Default(), true); err != nil {
		t.Fatalf("printTable: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "core.init", "core.api,app.test,guest.primary", "guest.primary", "Layout: span 0x100000000"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestWalk(t *testing.T) {
	conf := testConfig(t, map[string]string{"platform": "stage2"})
	e, err := newEnv(conf)
	if err != nil {
		t.Fatalf("newEnv: %v", err)
	}
	defer e.release()
	pt, ok := pagetables.NewSet(e.builder).Get(slab.AppTest)
	if !ok {
		t.Fatalf("no table for app.test")
	}
	var buf bytes.Buffer
	walk(&buf, e.table, pt, []hostarch.Addr{0x10000000, 1 << 40})
	out := buf.String()
	for _, want := range []string{"stage2 table", "0x10000000 -> 0x10000000 ", "0x10000000000 -> unmapped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestBoot(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "metrics.txt")
	conf := testConfig(t, map[string]string{
		"platform": "svm",
		"cpus":     "2",
		"metrics":  metrics,
	})
	b := &Boot{}
	fs := flag.NewFlagSet("boot", flag.ContinueOnError)
	b.SetFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := b.Execute(context.Background(), fs, conf); got != subcommands.ExitSuccess {
		t.Fatalf("Execute = %v, want success", got)
	}
	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, want := range []string{
		`slabvisor_init_stage_seconds{stage="bring_up"}`,
		`slabvisor_partition_admissions{outcome="admitted"}`,
		`slabvisor_bringup_operational{role="follower"}`,
		"# HELP slabvisor_bringup_wake_wait Total time followers spent waiting for their wake signal. (nanoseconds)",
		"# HELP slabvisor_pagetables_pages ",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics do not contain %q:\n%s", want, data)
		}
	}
}
