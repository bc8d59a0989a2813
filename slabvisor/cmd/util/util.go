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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"slabvisor.dev/slabvisor/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the operator and must not contain debug output.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs error to the error log (--log), to stderr, and debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	// If the error message does not end with a new line, add one.
	if len(format) > 0 && format[len(format)-1] != '\n' {
		format += "\n"
	}
	// Write to debug log.
	log.Warningf(format, args...)

	// Write to stderr.
	fmt.Fprintf(os.Stderr, format, args...)

	// Write to error log. This is used by the operator to surface errors.
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format, args...)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the guest.
	os.Exit(128)
}
