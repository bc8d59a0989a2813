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

// Package halt implements the policy for fatal invariant violations.
//
// A fatal condition means that a check which should have prevented the
// current call did not run, so the trusted computing base is already in an
// undefined state. Such conditions never surface as errors: the processor is
// halted. Within a process this means that control never returns to the
// caller of Halt.
package halt

import (
	"fmt"
	"sync/atomic"

	"slabvisor.dev/slabvisor/pkg/log"
)

// Fault describes the condition that halted the processor.
type Fault struct {
	// Reason is the formatted description of the violation.
	Reason string
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return "halted: " + f.Reason
}

// Handler stops the processor. It must not return.
type Handler func(*Fault)

// panicHandler is the default Handler.
//
// The panic is never recovered outside of Catch.
func panicHandler(f *Fault) {
	panic(f)
}

var handler atomic.Pointer[Handler]

func init() {
	h := Handler(panicHandler)
	handler.Store(&h)
}

// SetHandler installs h as the halt handler and returns the previous one.
func SetHandler(h Handler) Handler {
	return *handler.Swap(&h)
}

// Halt logs the violation and stops the processor. It does not return.
func Halt(format string, v ...any) {
	f := &Fault{Reason: fmt.Sprintf(format, v...)}
	log.Warningf("%s. Halting", f.Reason)
	count.Add(1)
	(*handler.Load())(f)

	// A handler that returns is itself a violation; spin forever so the
	// caller never observes continuation.
	for {
	}
}

var count atomic.Uint64

// Count returns the number of halts observed by this process.
func Count() uint64 {
	return count.Load()
}

// Catch runs fn and returns the Fault that halted it, or nil if fn returned
// normally. It only intercepts halts raised through the default handler and
// exists for test harnesses.
func Catch(fn func()) (fault *Fault) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(*Fault)
			if !ok {
				panic(r)
			}
			fault = f
		}
	}()
	fn()
	return nil
}
