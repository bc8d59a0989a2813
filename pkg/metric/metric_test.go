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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// reset clears all global state in the metric package.
func reset() {
	initialized = false
	allMetrics = makeMetricSet()
}

const (
	fooDescription     = "Foo!"
	barDescription     = "Bar Baz"
	counterDescription = "Counter"
)

func TestInitialize(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo", false, UnitsNone, fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize(): %s", err)
	}
	if err := Initialize(); err == nil {
		t.Errorf("second Initialize succeeded")
	}
	if _, err := NewUint64Metric("/bar", true, UnitsNone, barDescription); !errors.Is(err, ErrInitializationDone) {
		t.Errorf("NewUint64Metric after Initialize got err %v want %v", err, ErrInitializationDone)
	}
}

func TestNameInUse(t *testing.T) {
	defer reset()

	MustCreateNewUint64Metric("/foo", false, fooDescription)
	if _, err := NewUint64Metric("/foo", false, UnitsNone, fooDescription); !errors.Is(err, ErrNameInUse) {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	if err := RegisterCustomUint64Metric("/foo", false, false, UnitsNone, fooDescription, func(...string) uint64 { return 0 }); !errors.Is(err, ErrNameInUse) {
		t.Errorf("RegisterCustomUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestBadFields(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/empty", false, UnitsNone, fooDescription, NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestFieldMapper(t *testing.T) {
	m, err := newFieldMapper(
		NewField("fn", []string{"a", "b", "c"}),
		NewField("outcome", []string{"ok", "denied"}),
	)
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	if got, want := m.numKeys(), 6; got != want {
		t.Fatalf("numKeys got %d want %d", got, want)
	}
	seen := make(map[int]bool)
	for _, fn := range []string{"a", "b", "c"} {
		for _, outcome := range []string{"ok", "denied"} {
			key := m.lookup(fn, outcome)
			if seen[key] {
				t.Errorf("key %d reused for (%s, %s)", key, fn, outcome)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{fn, outcome}, m.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestIncrement(t *testing.T) {
	defer reset()

	counter := MustCreateNewUint64Metric("/counter", false, counterDescription,
		NewField("fn", []string{"get", "set"}),
		NewField("outcome", []string{"ok", "denied"}))
	counter.Increment("get", "ok")
	counter.Increment("get", "ok")
	counter.IncrementBy(5, "set", "denied")

	for _, tc := range []struct {
		fn, outcome string
		want        uint64
	}{
		{"get", "ok", 2},
		{"get", "denied", 0},
		{"set", "ok", 0},
		{"set", "denied", 5},
	} {
		if got := counter.Value(tc.fn, tc.outcome); got != tc.want {
			t.Errorf("Value(%s, %s) got %d want %d", tc.fn, tc.outcome, got, tc.want)
		}
	}
}

func TestDisallowedFieldPanics(t *testing.T) {
	defer reset()

	counter := MustCreateNewUint64Metric("/counter", false, counterDescription, NewField("fn", []string{"get"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	counter.Increment("put")
}

func TestStages(t *testing.T) {
	defer reset()

	end := StartStage(InitLoadTable)
	end()
	StartStage(InitAdmission)
	// Starting the next stage ends the previous one.
	done := StartStage(InitBringUp)
	done()
	done()

	want := []InitStage{InitLoadTable, InitAdmission, InitBringUp}
	if diff := cmp.Diff(want, FinishedStages()); diff != "" {
		t.Errorf("FinishedStages mismatch (-want +got):\n%s", diff)
	}
}

func TestPrometheusName(t *testing.T) {
	for in, want := range map[string]string{
		"/dispatch/calls":        "slabvisor_dispatch_calls",
		"/pagetables/leaves-set": "slabvisor_pagetables_leaves_set",
		"cpus":                   "slabvisor_cpus",
	} {
		if got := PrometheusName(in); got != want {
			t.Errorf("PrometheusName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWritePrometheus(t *testing.T) {
	defer reset()

	calls := MustCreateNewUint64Metric("/dispatch/calls", true, "Gateway calls.",
		NewField("fn", []string{"get", "set"}),
		NewField("outcome", []string{"ok", "denied"}))
	calls.Increment("set", "denied")
	calls.IncrementBy(3, "get", "ok")
	MustRegisterCustomUint64Metric("/partition/cpus", false, false, "Admitted CPUs.", func(...string) uint64 { return 4 })

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	want := strings.Join([]string{
		"# HELP slabvisor_dispatch_calls Gateway calls.",
		"# TYPE slabvisor_dispatch_calls counter",
		`slabvisor_dispatch_calls{fn="get",outcome="ok"} 3`,
		`slabvisor_dispatch_calls{fn="get",outcome="denied"} 0`,
		`slabvisor_dispatch_calls{fn="set",outcome="ok"} 0`,
		`slabvisor_dispatch_calls{fn="set",outcome="denied"} 1`,
		"# HELP slabvisor_partition_cpus Admitted CPUs.",
		"# TYPE slabvisor_partition_cpus gauge",
		"slabvisor_partition_cpus 4",
		"",
	}, "\n")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("WritePrometheus mismatch (-want +got):\n%s", diff)
	}
}

func TestWritePrometheusStages(t *testing.T) {
	defer reset()

	StartStage(InitBuildTables)()
	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	if got := buf.String(); !strings.Contains(got, `slabvisor_init_stage_seconds{stage="build_tables"}`) {
		t.Errorf("stage timing missing from:\n%s", got)
	}
}
