// Copyright 2026 The uvmd Authors.
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

package tools

import (
	"github.com/prometheus/client_golang/prometheus"

	"uvmd.dev/uvmd/pkg/uvm/processors"
)

// PromSink is an EventSink exposing event counts as prometheus metrics.
type PromSink struct {
	throttleStarts *prometheus.CounterVec
	throttleEnds   *prometheus.CounterVec
	fatalFaults    *prometheus.CounterVec
	flushes        prometheus.Counter
}

var _ EventSink = (*PromSink)(nil)

// NewPromSink creates a PromSink and registers its collectors with reg.
func NewPromSink(reg prometheus.Registerer) *PromSink {
	s := &PromSink{
		throttleStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uvmd_fault_throttle_starts_total",
			Help: "Fault servicing throttle periods begun, by processor.",
		}, []string{"processor"}),
		throttleEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uvmd_fault_throttle_ends_total",
			Help: "Fault servicing throttle periods completed, by processor.",
		}, []string{"processor"}),
		fatalFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uvmd_fatal_faults_total",
			Help: "Fatally failed CPU faults, by reason and access type.",
		}, []string{"reason", "access"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uvmd_event_flushes_total",
			Help: "Telemetry flushes requested.",
		}),
	}
	reg.MustRegister(s.throttleStarts, s.throttleEnds, s.fatalFaults, s.flushes)
	return s
}

// RecordThrottlingStart implements EventSink.RecordThrottlingStart.
func (s *PromSink) RecordThrottlingStart(addr uint64, proc processors.ID) {
	s.throttleStarts.WithLabelValues(proc.String()).Inc()
}

// RecordThrottlingEnd implements EventSink.RecordThrottlingEnd.
func (s *PromSink) RecordThrottlingEnd(addr uint64, proc processors.ID) {
	s.throttleEnds.WithLabelValues(proc.String()).Inc()
}

// RecordCPUFatalFault implements EventSink.RecordCPUFatalFault.
func (s *PromSink) RecordCPUFatalFault(addr uint64, write bool, reason FatalReason) {
	access := "read"
	if write {
		access = "write"
	}
	s.fatalFaults.WithLabelValues(reason.String(), access).Inc()
}

// Flush implements EventSink.Flush.
func (s *PromSink) Flush() {
	s.flushes.Inc()
}
