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


package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"slabvisor.dev/slabvisor/pkg/log"
	"slabvisor.dev/slabvisor/slabvisor/config"
)

func TestNewTarget(t *testing.T) {
	for _, tc := range []struct {
		name       string
		conf       config.Config
		wantStderr bool
	}{
		{
			name: "log file only",
			conf: config.Config{LogFormat: "text", LogFilename: "boot.log"},
		},
		{
			name:       "log file and stderr",
			conf:       config.Config{LogFormat: "json", LogFilename: "boot.log", AlsoLogToStderr: true},
			wantStderr: true,
		},
		{
			// Without --log the file writer already is stderr.
			name: "stderr requested without a log file",
			conf: config.Config{LogFormat: "text", AlsoLogToStderr: true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var file, stderr bytes.Buffer
			e := newTarget(&tc.conf, &file, &stderr)
			e.Emit(0, log.Warning, time.Now(), "cpu %d halted", 2)
			if !strings.Contains(file.String(), "cpu 2 halted") {
				t.Errorf("log file got %q, want the message", file.String())
			}
			if got := strings.Contains(stderr.String(), "cpu 2 halted"); got != tc.wantStderr {
				t.Errorf("stderr got %q, want message %t", stderr.String(), tc.wantStderr)
			}
		})
	}
}
