// Copyright 2025 Tom Barlow
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

package events

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink records events as Prometheus metrics.
type MetricsSink struct {
	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	lifecycle      *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
}

// NewMetricsSink creates a sink registering its collectors with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	factory := promauto.With(reg)
	return &MetricsSink{
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmesh",
			Name:      "tool_executions_total",
			Help:      "Tool invocations by server, tool, and outcome.",
		}, []string{"server", "tool", "success"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolmesh",
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency by server and tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmesh",
			Name:      "server_lifecycle_events_total",
			Help:      "Server lifecycle events by server and event type.",
		}, []string{"server", "event"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmesh",
			Name:      "fallback_activations_total",
			Help:      "Fallback activations by failed and substitute server.",
		}, []string{"server"}),
	}
}

// Emit records the event.
func (s *MetricsSink) Emit(event Event) {
	switch event.Type {
	case TypeToolExecuted:
		s.toolExecutions.WithLabelValues(event.Server, event.Tool, strconv.FormatBool(event.Success)).Inc()
		s.toolDuration.WithLabelValues(event.Server, event.Tool).Observe(event.Duration.Seconds())
	case TypeFallbackActivated:
		s.fallbacks.WithLabelValues(event.Server).Inc()
		s.lifecycle.WithLabelValues(event.Server, string(event.Type)).Inc()
	default:
		s.lifecycle.WithLabelValues(event.Server, string(event.Type)).Inc()
	}
}
