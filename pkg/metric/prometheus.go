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
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// PrometheusNamespace prefixes every exported metric name.
const PrometheusNamespace = "slabvisor"

// stageMetric is the exported name of the boot stage durations.
const stageMetric = PrometheusNamespace + "_init_stage_seconds"

// PrometheusName converts a metric name such as "/dispatch/calls" to its
// exported form, "slabvisor_dispatch_calls".
func PrometheusName(name string) string {
	name = strings.Trim(name, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	return PrometheusNamespace + "_" + name
}

// families returns the metric families of all registered metrics and of the
// finished boot stages.
func families() []*dto.MetricFamily {
	vals, stages := allMetrics.Values()
	out := make([]*dto.MetricFamily, 0, len(vals)+1)
	for _, v := range vals {
		md := v.metadata
		typ := dto.MetricType_GAUGE
		if md.cumulative {
			typ = dto.MetricType_COUNTER
		}
		help := md.description
		if md.units == UnitsNanoseconds {
			help += " (nanoseconds)"
		}
		f := &dto.MetricFamily{
			Name: proto.String(PrometheusName(md.name)),
			Help: proto.String(help),
			Type: typ.Enum(),
		}
		for _, s := range v.samples {
			m := &dto.Metric{}
			for i, fv := range s.fieldValues {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(md.fields.fields[i].name),
					Value: proto.String(fv),
				})
			}
			if md.cumulative {
				m.Counter = &dto.Counter{Value: proto.Float64(float64(s.value))}
			} else {
				m.Gauge = &dto.Gauge{Value: proto.Float64(float64(s.value))}
			}
			f.Metric = append(f.Metric, m)
		}
		out = append(out, f)
	}
	if len(stages) > 0 {
		f := &dto.MetricFamily{
			Name: proto.String(stageMetric),
			Help: proto.String("Duration of each finished boot stage."),
			Type: dto.MetricType_GAUGE.Enum(),
		}
		for _, s := range stages {
			f.Metric = append(f.Metric, &dto.Metric{
				Label: []*dto.LabelPair{{Name: proto.String("stage"), Value: proto.String(string(s.stage))}},
				Gauge: &dto.Gauge{Value: proto.Float64(s.ended.Sub(s.started).Seconds())},
			})
		}
		out = append(out, f)
	}
	return out
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	for _, f := range families() {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("writing %s: %w", f.GetName(), err)
		}
	}
	return nil
}
