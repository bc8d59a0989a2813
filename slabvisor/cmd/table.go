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
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"
	"slabvisor.dev/slabvisor/pkg/slab"
	"slabvisor.dev/slabvisor/slabvisor/cmd/util"
	"slabvisor.dev/slabvisor/slabvisor/config"
)

// Table implements subcommands.Command for the "table" command.
type Table struct {
	layout bool
}

// Name implements subcommands.Command.Name.
func (*Table) Name() string {
	return "table"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Table) Synopsis() string {
	return "validate and print the slab table"
}

// Usage implements subcommands.Command.Usage.
func (*Table) Usage() string {
	return `table [-layout] - loads the table given by --table (or the built-in one), validates it and prints every slab.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *Table) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&t.layout, "layout", false, "also print the memory layout regions.")
}

// Execute implements subcommands.Command.Execute.
func (t *Table) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	table, err := loadTable(conf)
	if err != nil {
		return util.Errorf("loading slab table: %v", err)
	}
	if err := printTable(os.Stdout, table, t.layout); err != nil {
		return util.Errorf("printing slab table: %v", err)
	}
	return subcommands.ExitSuccess
}

// printTable writes one line per slab of t, and the layout when asked to.
func printTable(out io.Writer, t *slab.Table, layout bool) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprint(w, "ID\tNAME\tTYPE\tMODE\tPRIVILEGES\tCALLS\tIO TABLE\n")
	for _, d := range t.Rows() {
		fmt.Fprintf(w, "%d\t%s\t%v\t%v\t%v\t%s\t%v\n", d.ID, d.Name, d.Type, d.Mode, d.Privileges, callNames(t, d.CallCaps), d.IOTableBase)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if !layout {
		return nil
	}
	l := t.Layout()
	fmt.Fprintf(out, "\nLayout: span %#x\n", l.Span())
	for _, r := range l.Regions() {
		owner := "-"
		if r.Owned {
			owner = fmt.Sprintf("%d", r.Owner)
		}
		if _, err := fmt.Fprintf(out, "  %v owner %s\n", r, owner); err != nil {
			return err
		}
	}
	return nil
}

func callNames(t *slab.Table, caps slab.CapSet) string {
	ids := caps.IDs()
	if len(ids) == 0 {
		return "-"
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		d, _ := t.Lookup(id)
		names = append(names, d.Name)
	}
	return strings.Join(names, ",")
}
