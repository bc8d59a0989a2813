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

package config

import (
	"flag"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlags() *flag.FlagSet {
	f := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(f)
	return f
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags())
	if err != nil {
		t.Fatal(err)
	}
	if c.CPUs < 1 {
		t.Errorf("CPUs=%d, want at least 1", c.CPUs)
	}
	// "--cpus" is resolved from the host. Reset it to make it easier to
	// test that default values do not generate flags.
	c.CPUs = 0

	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags()
	for name, val := range map[string]string{
		"debug":       "true",
		"table":       "slabs.toml",
		"platform":    "stage2",
		"cpus":        "3",
		"pgtbl-alloc": "mmap",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, val, err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Debug:           true,
		LogFormat:       "text",
		Table:           "slabs.toml",
		Platform:        "stage2",
		CPUs:            3,
		MaxPartitions:   1,
		MaxCPUs:         256,
		PageTableAlloc:  PageTableAllocMmap,
		Stage2L1Entries: 4,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("NewFromFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags()
	testFlags.Set("debug", "true")
	testFlags.Set("log-format", "text") // Matches default value.
	testFlags.Set("cpus", "2")
	testFlags.Set("pgtbl-alloc", "mmap")
	testFlags.Set("metrics", "-")
	testFlags.Set("alsologtostderr", "true")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	want := map[string]string{
		"--debug":           "true",
		"--cpus":            "2",
		"--pgtbl-alloc":     "mmap",
		"--metrics":         "-",
		"--alsologtostderr": "true",
	}
	if diff := cmp.Diff(want, fm); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{
			name:  "pgtbl-alloc",
			value: "heap",
			error: "invalid page table allocator",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags()
			if err := testFlags.Lookup(tc.name).Value.Set(tc.value); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("flag.Set(invalid) wrong error reported: %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "json-k8s"},
			error: "invalid log format",
		},
		{
			name:  "negative-cpus",
			flags: map[string]string{"cpus": "-1"},
			error: "cpus must be positive",
		},
		{
			name:  "too-many-cpus",
			flags: map[string]string{"cpus": "8", "max-cpus": "4"},
			error: "exceeds max-cpus",
		},
		{
			name:  "max-partitions",
			flags: map[string]string{"max-partitions": "0"},
			error: "max-partitions must be at least 1",
		},
		{
			name:  "stage2-l1-entries",
			flags: map[string]string{"stage2-l1-entries": "0"},
			error: "stage2-l1-entries must be at least 1",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags()
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Set(%q, %q): %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v, want: %q", err, tc.error)
			}
		})
	}
}
