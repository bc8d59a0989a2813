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
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"slabvisor.dev/slabvisor/pkg/hostarch"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
	"slabvisor.dev/slabvisor/pkg/slab"
	"slabvisor.dev/slabvisor/slabvisor/cmd/util"
	"slabvisor.dev/slabvisor/slabvisor/config"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct {
	slab string
}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "build a slab's page table and translate guest-physical addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk -slab=<name|id> <gpa>... - builds the second-level table of an unverified slab with the selected backend's format and walks it for every address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Walk) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.slab, "slab", "", "slab whose table is walked.")
}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 || w.slab == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	gpas := make([]hostarch.Addr, 0, f.NArg())
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return util.Errorf("invalid address %q: %v", arg, err)
		}
		gpas = append(gpas, hostarch.Addr(v))
	}

	e, err := newEnv(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer e.release()
	d, err := slabByName(e.table, w.slab)
	if err != nil {
		return util.Errorf("%v", err)
	}
	pt, ok := pagetables.NewSet(e.builder).Get(d.ID)
	if !ok {
		return util.Errorf("slab %q is outside page table window %v", d.Name, e.builder.Window)
	}
	walk(os.Stdout, e.table, pt, gpas)
	return subcommands.ExitSuccess
}

// walk writes the translation, protection and class of every gpa.
func walk(out io.Writer, t *slab.Table, pt *pagetables.PageTables, gpas []hostarch.Addr) {
	fmt.Fprintf(out, "slab %d: %s table, span %#x, root %v\n", pt.Slab(), pt.Format().Name(), pt.Span(), pt.Root())
	for _, gpa := range gpas {
		c := t.Classify(gpa)
		pa, ok := pt.Translate(gpa)
		if !ok {
			fmt.Fprintf(out, "%v -> unmapped (%v)\n", gpa, c.Kind)
			continue
		}
		at, _ := pt.Protection(gpa)
		e, _ := pt.Entry(gpa)
		fmt.Fprintf(out, "%v -> %#x %v pte %v (%v)\n", gpa, pa, at, e, c.Kind)
	}
}
