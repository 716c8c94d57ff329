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

package driver

import (
	"sync"
	"testing"
	"time"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/processors"
	"uvmd.dev/uvmd/pkg/uvm/tools"
)

// recordingSink counts telemetry events for inspection.
type recordingSink struct {
	mu             sync.Mutex
	throttleStarts int
	throttleEnds   int
	fatals         []tools.FatalReason
	flushes        int
}

func (r *recordingSink) RecordThrottlingStart(addr uint64, proc processors.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttleStarts++
}

func (r *recordingSink) RecordThrottlingEnd(addr uint64, proc processors.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttleEnds++
}

func (r *recordingSink) RecordCPUFatalFault(addr uint64, write bool, reason tools.FatalReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatals = append(r.fatals, reason)
}

func (r *recordingSink) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

func (r *recordingSink) snapshot() (starts, ends int, fatals []tools.FatalReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttleStarts, r.throttleEnds, append([]tools.FatalReason(nil), r.fatals...)
}

func TestFaultOutsideAnyRange(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGlobal(t, Config{Sink: sink})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 2*page)

	if err := s.Free(testBase); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if got := mm.Fault(testBase, true); got != hostmm.FaultSigbus {
		t.Errorf("fault with no backing range: got %v, want %v", got, hostmm.FaultSigbus)
	}

	_, _, fatals := sink.snapshot()
	if len(fatals) != 1 || fatals[0] != tools.ReasonInvalidAddress {
		t.Errorf("fatal fault reasons: got %v, want [%v]", fatals, tools.ReasonInvalidAddress)
	}
}

func TestFaultOOMOnBlockAllocation(t *testing.T) {
	// Room for the range's policy buffer but not for block state.
	sink := &recordingSink{}
	g := newTestGlobal(t, Config{Sink: sink, SmallHeapCapacity: 256})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 2*page)

	if got := mm.Fault(testBase, false); got != hostmm.FaultOOM {
		t.Errorf("fault without block memory: got %v, want %v", got, hostmm.FaultOOM)
	}
	_, _, fatals := sink.snapshot()
	if len(fatals) != 1 || fatals[0] != tools.ReasonOutOfMemory {
		t.Errorf("fatal fault reasons: got %v, want [%v]", fatals, tools.ReasonOutOfMemory)
	}
}

func TestFaultMajorAfterMigration(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()

	var eccChecks int
	gpu := &GPU{
		ID:       3,
		CheckECC: func() error { eccChecks++; return nil },
	}
	if err := s.RegisterGPU(gpu); err != nil {
		t.Fatalf("RegisterGPU failed: %v", err)
	}

	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 4*page)

	moved, err := s.Migrate(testBase, page, gpu.ID)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if moved != 1 {
		t.Fatalf("Migrate moved %d pages, want 1", moved)
	}

	if got := mm.Fault(testBase, false); got != hostmm.FaultMajor {
		t.Errorf("fault on GPU-resident page: got %v, want %v", got, hostmm.FaultMajor)
	}
	if eccChecks != 1 {
		t.Errorf("ECC checked %d times, want 1", eccChecks)
	}

	// The page is CPU-resident now; the next fault is minor and skips
	// the ECC check.
	f.UnmapRange(testBase, page)
	if got := mm.Fault(testBase, false); got != hostmm.FaultMinor {
		t.Errorf("refault on CPU-resident page: got %v, want %v", got, hostmm.FaultMinor)
	}
	if eccChecks != 1 {
		t.Errorf("ECC checked %d times after refault, want 1", eccChecks)
	}
}

func TestECCErrorTurnsFaultFatal(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()

	gpu := &GPU{
		ID:       1,
		CheckECC: func() error { return status.ErrInvalidState },
	}
	if err := s.RegisterGPU(gpu); err != nil {
		t.Fatalf("RegisterGPU failed: %v", err)
	}

	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 2*page)
	if _, err := s.Migrate(testBase, page, gpu.ID); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if got := mm.Fault(testBase, false); got != hostmm.FaultSigbus {
		t.Errorf("fault with failing ECC check: got %v, want %v", got, hostmm.FaultSigbus)
	}
}

func TestThrashingFaultThrottles(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGlobal(t, Config{Sink: sink})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 2*page)

	// Hammer one page past the thrashing threshold. Each serviced
	// fault's mapping is dropped so the next touch faults again.
	for i := 0; i < 3; i++ {
		if got := mm.Fault(testBase, false); got != hostmm.FaultMinor {
			t.Fatalf("fault %d: got %v, want %v", i, got, hostmm.FaultMinor)
		}
		f.UnmapRange(testBase, page)
	}

	start := time.Now()
	got := mm.Fault(testBase, false)
	elapsed := time.Since(start)

	if got != hostmm.FaultMinor {
		t.Errorf("throttled fault: got %v, want %v", got, hostmm.FaultMinor)
	}
	if elapsed < 10*time.Millisecond {
		t.Errorf("throttled fault returned after %v, want at least 10ms", elapsed)
	}
	starts, ends, fatals := sink.snapshot()
	if starts != 1 || ends != 1 {
		t.Errorf("throttle events: got %d starts and %d ends, want exactly 1 of each", starts, ends)
	}
	if len(fatals) != 0 {
		t.Errorf("throttled fault recorded fatal events: %v", fatals)
	}
}

func TestFaultFlushesSink(t *testing.T) {
	sink := &recordingSink{}
	g := newTestGlobal(t, Config{Sink: sink})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 2*page)

	if got := mm.Fault(testBase, false); got != hostmm.FaultMinor {
		t.Fatalf("fault: got %v, want %v", got, hostmm.FaultMinor)
	}
	sink.mu.Lock()
	flushes := sink.flushes
	sink.mu.Unlock()
	if flushes != 1 {
		t.Errorf("sink flushed %d times, want 1", flushes)
	}
}

func TestServiceContextReuse(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()

	gpu := &GPU{ID: 2, CheckECC: func() error { return nil }}
	if err := s.RegisterGPU(gpu); err != nil {
		t.Fatalf("RegisterGPU failed: %v", err)
	}

	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	establish(t, s, mm, f, testBase, 4*page)

	// A major fault dirties the pooled context; the following minor
	// fault must not inherit its migration or ECC state.
	if _, err := s.Migrate(testBase, page, gpu.ID); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if got := mm.Fault(testBase, false); got != hostmm.FaultMajor {
		t.Fatalf("migrating fault: got %v, want %v", got, hostmm.FaultMajor)
	}
	if got := mm.Fault(testBase+page, false); got != hostmm.FaultMinor {
		t.Errorf("fault after pooled context reuse: got %v, want %v", got, hostmm.FaultMinor)
	}
}

// TestConcurrentFaultsShareBlock services faults on many pages of a
// single block from concurrent goroutines, with a migration racing
// them. Run under the race detector this covers the block's internal
// locking.
func TestConcurrentFaultsShareBlock(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()

	gpu := &GPU{ID: 1, CheckECC: func() error { return nil }}
	if err := s.RegisterGPU(gpu); err != nil {
		t.Fatalf("RegisterGPU failed: %v", err)
	}

	mm := hostmm.NewMM()
	f := hostmm.NewFile()
	const pages = 64
	establish(t, s, mm, f, testBase, pages*page)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < pages; i += workers {
				addr := testBase + uint64(i)*page
				got := mm.Fault(addr, i%2 == 0)
				if got != hostmm.FaultMinor && got != hostmm.FaultMajor {
					t.Errorf("fault on page %d: got %v", i, got)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Races the faulting goroutines over the same block.
		if _, err := s.Migrate(testBase+(pages/2)*page, (pages/4)*page, gpu.ID); err != nil {
			t.Errorf("Migrate failed: %v", err)
		}
	}()
	wg.Wait()

	space := s.Space()
	space.Mu.RLock()
	defer space.Mu.RUnlock()
	b := space.FindBlock(testBase)
	if b == nil {
		t.Fatal("no block after servicing faults")
	}
	for i := uint64(0); i < pages; i++ {
		if _, ok := b.Residency(g.Allocator(), testBase+i*page); !ok {
			t.Errorf("page %d unpopulated after fault", i)
		}
	}
}
