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

// Package tools is the telemetry collaborator: fire-and-forget event
// notifications out of the fault and lifecycle paths. Sink failures must
// never affect fault resolution's outcome, so no sink method returns an
// error.
package tools

import (
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/processors"
)

// FatalReason classifies a terminal fault failure for event reporting.
type FatalReason int

// Fatal fault reasons.
const (
	ReasonInvalid FatalReason = iota
	ReasonOutOfMemory
	ReasonInvalidAddress
	ReasonInternalError
)

// String implements fmt.Stringer.String.
func (r FatalReason) String() string {
	switch r {
	case ReasonOutOfMemory:
		return "out-of-memory"
	case ReasonInvalidAddress:
		return "invalid-address"
	case ReasonInternalError:
		return "internal-error"
	default:
		return "invalid"
	}
}

// FatalReasonFor classifies a terminal fault status.
func FatalReasonFor(code status.Code) FatalReason {
	switch code {
	case status.CodeNoMemory:
		return ReasonOutOfMemory
	case status.CodeAccessViolation:
		return ReasonInvalidAddress
	case status.CodeOK, status.CodeMoreProcessing:
		return ReasonInvalid
	default:
		return ReasonInternalError
	}
}

// EventSink receives telemetry events.
type EventSink interface {
	// RecordThrottlingStart records that fault servicing on addr by
	// proc began throttling.
	RecordThrottlingStart(addr uint64, proc processors.ID)

	// RecordThrottlingEnd records that the throttle on addr ended.
	RecordThrottlingEnd(addr uint64, proc processors.ID)

	// RecordCPUFatalFault records a fatally failed CPU fault.
	RecordCPUFatalFault(addr uint64, write bool, reason FatalReason)

	// Flush pushes any buffered events to their consumers.
	Flush()
}

// Nop is an EventSink that discards everything.
type Nop struct{}

// RecordThrottlingStart implements EventSink.RecordThrottlingStart.
func (Nop) RecordThrottlingStart(uint64, processors.ID) {}

// RecordThrottlingEnd implements EventSink.RecordThrottlingEnd.
func (Nop) RecordThrottlingEnd(uint64, processors.ID) {}

// RecordCPUFatalFault implements EventSink.RecordCPUFatalFault.
func (Nop) RecordCPUFatalFault(uint64, bool, FatalReason) {}

// Flush implements EventSink.Flush.
func (Nop) Flush() {}
