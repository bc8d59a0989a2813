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

// Package bringup coordinates the start of every admitted CPU: the boot
// processor ends admission and arms wake interception, the others wait for
// their wake signal and enter at the state it selects.
package bringup

import (
	"runtime"
	"sync/atomic"

	"slabvisor.dev/slabvisor/pkg/halt"
)

// Signal hands a wake vector from one writer to one reader.
//
// The zero value is ready to use.
type Signal struct {
	// delivered and consumed claim the single write and the single read.
	delivered atomic.Bool
	consumed  atomic.Bool

	// received publishes vector. It is stored after vector is written.
	received atomic.Bool
	vector   uint8
}

// Deliver writes vector and then publishes it. A second delivery halts.
func (s *Signal) Deliver(vector uint8) {
	if !s.delivered.CompareAndSwap(false, true) {
		halt.Halt("wake signal delivered twice")
	}
	s.vector = vector
	s.received.Store(true)
}

// Received returns true iff the vector has been published.
func (s *Signal) Received() bool {
	return s.received.Load()
}

// Wait spins, yielding the processor, until the vector is published and
// returns it. There is no timeout. A second read halts.
func (s *Signal) Wait() uint8 {
	if !s.consumed.CompareAndSwap(false, true) {
		halt.Halt("wake signal consumed twice")
	}
	for !s.received.Load() {
		runtime.Gosched()
	}
	return s.vector
}
