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

package partition

// arena is a fixed-capacity store. Elements never move once allocated, so
// pointers into it stay valid.
type arena[T any] struct {
	items []T
}

func newArena[T any](capacity int) *arena[T] {
	return &arena[T]{items: make([]T, 0, capacity)}
}

// alloc returns the index of and a pointer to a new zeroed element. ok is
// false if the arena is full.
func (a *arena[T]) alloc() (idx uint32, elem *T, ok bool) {
	if len(a.items) == cap(a.items) {
		return InvalidIndex, nil, false
	}
	a.items = a.items[:len(a.items)+1]
	idx = uint32(len(a.items) - 1)
	return idx, &a.items[idx], true
}

// get returns the element at idx.
func (a *arena[T]) get(idx uint32) (*T, bool) {
	if uint64(idx) >= uint64(len(a.items)) {
		return nil, false
	}
	return &a.items[idx], true
}

// len returns the number of allocated elements.
func (a *arena[T]) len() int {
	return len(a.items)
}

// full returns true iff no element can be allocated.
func (a *arena[T]) full() bool {
	return len(a.items) == cap(a.items)
}
