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

package pagetables

import (
	"sync"

	"slabvisor.dev/slabvisor/pkg/halt"
	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/pkg/partition"
	"slabvisor.dev/slabvisor/pkg/slab"
)

// Shapes holds the second-level address-space shape of each partition.
// It implements partition.Shaper.
//
// Every partition is shaped by the guest slab's table in a Set, so page-table
// edits made through that Set are seen by the loaded shape.
type Shapes struct {
	set   *Set
	guest slab.ID

	mu     sync.Mutex
	tables map[partition.PartitionIndex]*PageTables
}

var _ partition.Shaper = (*Shapes)(nil)

// NewShapes returns a Shapes that takes each partition's table from the
// guest slab's entry in set.
func NewShapes(set *Set, guest slab.ID) *Shapes {
	return &Shapes{
		set:    set,
		guest:  guest,
		tables: make(map[partition.PartitionIndex]*PageTables),
	}
}

// EstablishShape implements partition.Shaper.EstablishShape.
func (s *Shapes) EstablishShape(p partition.PartitionIndex) {
	t, ok := s.set.Get(s.guest)
	if !ok {
		halt.Halt("Partition %d: no table for guest slab %d", p, s.guest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[p] = t
	log.Infof("Partition %d: %s shape from slab %d, root %v", p, t.Format().Name(), s.guest, t.Root())
}

// Get returns the table of partition p.
func (s *Shapes) Get(p partition.PartitionIndex) (*PageTables, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[p]
	return t, ok
}
