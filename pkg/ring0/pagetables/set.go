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

	"slabvisor.dev/slabvisor/pkg/slab"
)

// Set holds the tables of the slabs a Builder serves, built on first use.
type Set struct {
	builder *Builder

	mu     sync.Mutex
	tables map[slab.ID]*PageTables
}

// NewSet returns an empty set.
func NewSet(b *Builder) *Set {
	return &Set{
		builder: b,
		tables:  make(map[slab.ID]*PageTables),
	}
}

// Get returns the table of slab id, building it if needed. It returns false
// for slabs outside the builder's window or missing from the table.
func (s *Set) Get(id slab.ID) (*PageTables, bool) {
	if !s.builder.Window.Contains(id) {
		return nil, false
	}
	if _, ok := s.builder.Table.Lookup(id); !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[id]
	if !ok {
		t = s.builder.Build(id)
		s.tables[id] = t
	}
	return t, true
}

// Built returns the number of tables built so far.
func (s *Set) Built() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables)
}
