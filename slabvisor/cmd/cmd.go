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

// Package cmd holds implementations of the slabvisor commands.
package cmd

import (
	"fmt"
	"strconv"

	"slabvisor.dev/slabvisor/pkg/metric"
	"slabvisor.dev/slabvisor/pkg/platform"
	"slabvisor.dev/slabvisor/pkg/ring0/pagetables"
	"slabvisor.dev/slabvisor/pkg/slab"
	"slabvisor.dev/slabvisor/slabvisor/config"

	// Register the backends.
	_ "slabvisor.dev/slabvisor/pkg/platform/platforms"
)

// loadTable returns the table named by conf, or the built-in one.
func loadTable(conf *config.Config) (*slab.Table, error) {
	defer metric.StartStage(metric.InitLoadTable)()
	if conf.Table == "" {
		return slab.Default(), nil
	}
	return slab.Load(conf.Table)
}

// newAllocator returns the page table allocator selected by conf.
func newAllocator(conf *config.Config) (pagetables.Allocator, error) {
	switch conf.PageTableAlloc {
	case config.PageTableAllocMmap:
		return pagetables.NewMmapAllocator()
	default:
		return pagetables.NewRuntimeAllocator(), nil
	}
}

// env is the state shared by the commands that build page tables.
type env struct {
	table   *slab.Table
	backend platform.Backend
	builder *pagetables.Builder
}

// newEnv loads the table, creates the backend and a builder whose format
// matches it.
func newEnv(conf *config.Config) (*env, error) {
	table, err := loadTable(conf)
	if err != nil {
		return nil, fmt.Errorf("loading slab table: %w", err)
	}
	backend, err := platform.New(conf.Platform, platform.Options{Stage2L1Entries: conf.Stage2L1Entries})
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}
	window, ok := pagetables.UnverifiedWindow(table)
	if !ok {
		return nil, fmt.Errorf("slab table has no unverified slab")
	}
	alloc, err := newAllocator(conf)
	if err != nil {
		return nil, err
	}
	return &env{
		table:   table,
		backend: backend,
		builder: &pagetables.Builder{
			Table:     table,
			Format:    backend.PageTableFormat(),
			Allocator: alloc,
			Window:    window,
		},
	}, nil
}

// release frees the page table pages.
func (e *env) release() {
	e.builder.Allocator.Release()
}

// slabByName resolves a slab name, or a decimal id, in t.
func slabByName(t *slab.Table, name string) (slab.Descriptor, error) {
	if d, ok := t.ByName(name); ok {
		return d, nil
	}
	if id, err := strconv.ParseUint(name, 10, 32); err == nil {
		if d, ok := t.Lookup(slab.ID(id)); ok {
			return d, nil
		}
	}
	return slab.Descriptor{}, fmt.Errorf("unknown slab %q", name)
}
