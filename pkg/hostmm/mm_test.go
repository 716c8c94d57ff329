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

package hostmm

import (
	"testing"
)

const base = uint64(0x10_0000)

// recordingOps logs callback invocations with the bounds observed at
// call time.
type recordingOps struct {
	events []string
	bounds [][2]uint64
	fault  FaultResult
}

func (r *recordingOps) Open(m *Mapping) {
	r.events = append(r.events, "open")
	r.bounds = append(r.bounds, [2]uint64{m.Start, m.End})
}

func (r *recordingOps) Close(m *Mapping) {
	r.events = append(r.events, "close")
	r.bounds = append(r.bounds, [2]uint64{m.Start, m.End})
}

func (r *recordingOps) Fault(m *Mapping, addr uint64, write bool) FaultResult {
	r.events = append(r.events, "fault")
	r.bounds = append(r.bounds, [2]uint64{m.Start, m.End})
	return r.fault
}

func newRecordedMapping(t *testing.T, mm *MM, ops *recordingOps, start, length uint64) *Mapping {
	t.Helper()
	m, err := mm.NewMapping(NewFile(), start, length, start, FlagShared|FlagRead|FlagWrite, func(m *Mapping) error {
		m.SetOps(ops)
		return nil
	})
	if err != nil {
		t.Fatalf("NewMapping failed: %v", err)
	}
	return m
}

func TestNewMappingValidation(t *testing.T) {
	mm := NewMM()
	f := NewFile()
	noop := func(m *Mapping) error { return nil }

	for _, test := range []struct {
		name          string
		start, length uint64
	}{
		{"unaligned start", base + 1, PageSize},
		{"unaligned length", base, PageSize + 1},
		{"zero length", base, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := mm.NewMapping(f, test.start, test.length, test.start, FlagShared, noop); err == nil {
				t.Errorf("NewMapping(%#x, %#x) succeeded, want error", test.start, test.length)
			}
		})
	}
}

func TestSplitOpensBeforeShrinking(t *testing.T) {
	mm := NewMM()
	ops := &recordingOps{}
	m := newRecordedMapping(t, mm, ops, base, 4*PageSize)

	nm := mm.Split(m, base+2*PageSize)

	if len(ops.events) != 1 || ops.events[0] != "open" {
		t.Fatalf("split events: got %v, want [open]", ops.events)
	}
	// Open ran on the new mapping while the original still spanned its
	// full extent; split detection depends on that ordering.
	if got := ops.bounds[0]; got != [2]uint64{base + 2*PageSize, base + 4*PageSize} {
		t.Errorf("new mapping bounds at Open: got %v", got)
	}
	if m.End != base+2*PageSize {
		t.Errorf("original end after split: got %#x, want %#x", m.End, base+2*PageSize)
	}
	if nm.Offset != base+2*PageSize {
		t.Errorf("new mapping offset: got %#x, want %#x", nm.Offset, base+2*PageSize)
	}
}

func TestMoveOpensNewBeforeClosingOld(t *testing.T) {
	mm := NewMM()
	ops := &recordingOps{}
	m := newRecordedMapping(t, mm, ops, base, 2*PageSize)

	newStart := base + 16*PageSize
	nm := mm.Move(m, newStart)

	want := []string{"open", "close"}
	if len(ops.events) != 2 || ops.events[0] != want[0] || ops.events[1] != want[1] {
		t.Fatalf("move events: got %v, want %v", ops.events, want)
	}
	// The moved mapping keeps its file offset.
	if nm.Offset != base {
		t.Errorf("moved mapping offset: got %#x, want %#x", nm.Offset, base)
	}
	if mm.FindMapping(base) != nil {
		t.Error("old mapping still findable after move")
	}
	if mm.FindMapping(newStart) != nm {
		t.Error("new mapping not findable after move")
	}
}

func TestForkCopiesIntoChild(t *testing.T) {
	parent := NewMM()
	ops := &recordingOps{}
	m := newRecordedMapping(t, parent, ops, base, 2*PageSize)

	child := NewMM()
	nm := child.Fork(m)

	if nm.Space() == m.Space() {
		t.Error("forked mapping shares the parent's address space ID")
	}
	if nm.File() != m.File() {
		t.Error("forked mapping does not share the parent's file")
	}
	if len(ops.events) != 1 || ops.events[0] != "open" {
		t.Errorf("fork events: got %v, want [open]", ops.events)
	}
}

func TestFaultInstallsPage(t *testing.T) {
	mm := NewMM()
	ops := &recordingOps{fault: FaultMinor}
	m := newRecordedMapping(t, mm, ops, base, 2*PageSize)

	if got := mm.Fault(base+PageSize+123, false); got != FaultMinor {
		t.Fatalf("Fault: got %v, want %v", got, FaultMinor)
	}
	if !m.File().PageInstalled(base + PageSize) {
		t.Error("serviced fault did not install the page")
	}

	m.File().UnmapRange(base, 2*PageSize)
	if m.File().PageInstalled(base + PageSize) {
		t.Error("UnmapRange left the page installed")
	}
}

func TestFaultOutsideMappings(t *testing.T) {
	mm := NewMM()
	if got := mm.Fault(base, false); got != FaultSigbus {
		t.Errorf("fault with no mappings: got %v, want %v", got, FaultSigbus)
	}
}

func TestTeardownClosesWithExitingSet(t *testing.T) {
	mm := NewMM()
	var sawExiting bool
	if _, err := mm.NewMapping(NewFile(), base, PageSize, base, FlagShared, func(m *Mapping) error {
		m.SetOps(closeFunc(func(cm *Mapping) { sawExiting = cm.Exiting() }))
		return nil
	}); err != nil {
		t.Fatalf("NewMapping failed: %v", err)
	}

	mm.Teardown()
	if !sawExiting {
		t.Error("Close callback did not observe the exiting flag")
	}
	if mm.FindMapping(base) != nil {
		t.Error("mapping survives teardown")
	}
}

// closeFunc adapts a function to MappingOps with no-op Open/Fault.
type closeFunc func(*Mapping)

func (closeFunc) Open(*Mapping)  {}
func (f closeFunc) Close(m *Mapping) { f(m) }
func (closeFunc) Fault(*Mapping, uint64, bool) FaultResult {
	return FaultSigbus
}
