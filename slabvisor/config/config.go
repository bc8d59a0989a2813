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

// Package config provides basic infrastructure to set configuration settings
// for slabvisor. Each setting that can be changed from the command line must
// have a flag registered in RegisterFlags and a matching field in Config
// tagged with the flag name.
package config

import (
	"fmt"
	"reflect"

	"slabvisor.dev/slabvisor/pkg/log"
)

// Config holds configuration that is not part of the slab table.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr copies log output to stderr when LogFilename is set.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Table is the path of the slab table file. Empty means the built-in
	// table.
	Table string `flag:"table"`

	// Platform is the architecture backend to use, or "auto".
	Platform string `flag:"platform"`

	// CPUs is the number of processors admitted into the primary partition.
	// Zero means one per host CPU.
	CPUs int `flag:"cpus"`

	// MaxPartitions is the capacity of the partition store.
	MaxPartitions int `flag:"max-partitions"`

	// MaxCPUs is the capacity of the CPU store.
	MaxCPUs int `flag:"max-cpus"`

	// PageTableAlloc selects where second-level table pages come from.
	PageTableAlloc PageTableAlloc `flag:"pgtbl-alloc"`

	// Stage2L1Entries is the number of L1 entries of stage-2 tables.
	Stage2L1Entries int `flag:"stage2-l1-entries"`

	// Metrics is the path metrics are written to after boot, "-" for
	// stdout. Empty disables the export.
	Metrics string `flag:"metrics"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.CPUs < 0 {
		return fmt.Errorf("cpus must be positive, got: %d", c.CPUs)
	}
	if c.MaxPartitions < 1 {
		return fmt.Errorf("max-partitions must be at least 1, got: %d", c.MaxPartitions)
	}
	if c.MaxCPUs < 1 {
		return fmt.Errorf("max-cpus must be at least 1, got: %d", c.MaxCPUs)
	}
	if c.CPUs > c.MaxCPUs {
		return fmt.Errorf("cpus (%d) exceeds max-cpus (%d)", c.CPUs, c.MaxCPUs)
	}
	if c.Stage2L1Entries < 1 {
		return fmt.Errorf("stage2-l1-entries must be at least 1, got: %d", c.Stage2L1Entries)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("  %s: %s", name, getVal(obj.Field(i)))
	}
}

// PageTableAlloc tells where second-level table pages are allocated.
type PageTableAlloc int

const (
	// PageTableAllocRuntime allocates pages from the Go heap.
	PageTableAllocRuntime PageTableAlloc = iota

	// PageTableAllocMmap allocates pages from anonymous host mappings.
	PageTableAllocMmap
)

func pageTableAllocPtr(v PageTableAlloc) *PageTableAlloc {
	return &v
}

// Set implements flag.Value.
func (p *PageTableAlloc) Set(v string) error {
	switch v {
	case "runtime":
		*p = PageTableAllocRuntime
	case "mmap":
		*p = PageTableAllocMmap
	default:
		return fmt.Errorf("invalid page table allocator %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *PageTableAlloc) Get() any {
	return *p
}

// String implements flag.Value.
func (p PageTableAlloc) String() string {
	switch p {
	case PageTableAllocRuntime:
		return "runtime"
	case PageTableAllocMmap:
		return "mmap"
	}
	panic(fmt.Sprintf("Invalid page table allocator %d", p))
}
