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
	"testing"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/varange"
)

func TestSemaphorePoolAllocAndMap(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()

	if err := s.AllocSemaphorePool(testBase, 2*page); err != nil {
		t.Fatalf("AllocSemaphorePool failed: %v", err)
	}
	info, err := s.Lookup(testBase)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Kind != varange.KindSemaphorePool {
		t.Fatalf("Lookup kind: got %v, want %v", info.Kind, varange.KindSemaphorePool)
	}

	// Mapping the pool is the one collision establishment permits,
	// and only for an exact fit.
	m, err := mm.NewMapping(f, testBase, 2*page, testBase, managedFlags, s.EstablishMapping)
	if err != nil {
		t.Fatalf("mapping the pool failed: %v", err)
	}
	if got := mm.Fault(testBase+page, false); got != hostmm.FaultMinor {
		t.Errorf("fault on pool page: got %v, want %v", got, hostmm.FaultMinor)
	}

	mm.Unmap(m)
	if err := s.Free(testBase); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if got := g.alloc.OutstandingBytes(); got != 0 {
		t.Errorf("pool lifecycle leaked %d bytes", got)
	}
}

func TestSemaphorePoolInexactMappingRejected(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()

	if err := s.AllocSemaphorePool(testBase, 2*page); err != nil {
		t.Fatalf("AllocSemaphorePool failed: %v", err)
	}
	if _, err := mm.NewMapping(f, testBase, 4*page, testBase, managedFlags, s.EstablishMapping); err != status.ErrAddressInUse {
		t.Errorf("oversized pool mapping: got %v, want %v", err, status.ErrAddressInUse)
	}
}

func TestSemaphorePoolArgumentChecks(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()

	for _, test := range []struct {
		name          string
		start, length uint64
	}{
		{"zero length", testBase, 0},
		{"unaligned start", testBase + 1, page},
		{"unaligned length", testBase, page + 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			if err := s.AllocSemaphorePool(test.start, test.length); err != status.ErrInvalidArgument {
				t.Errorf("AllocSemaphorePool(%#x, %#x): got %v, want %v", test.start, test.length, err, status.ErrInvalidArgument)
			}
		})
	}
}

func TestSemaphorePoolForkKeepsParentMapped(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	parent := hostmm.NewMM()
	f := hostmm.NewFile()

	if err := s.AllocSemaphorePool(testBase, 2*page); err != nil {
		t.Fatalf("AllocSemaphorePool failed: %v", err)
	}
	m, err := parent.NewMapping(f, testBase, 2*page, testBase, managedFlags, s.EstablishMapping)
	if err != nil {
		t.Fatalf("mapping the pool failed: %v", err)
	}

	child := hostmm.NewMM()
	child.Fork(m)

	if got := child.Fault(testBase, false); got != hostmm.FaultSigbus {
		t.Errorf("child pool fault: got %v, want %v", got, hostmm.FaultSigbus)
	}
	// The parent's view was rebuilt after the child's copy was torn
	// out of the shared page mappings.
	if got := parent.Fault(testBase, false); got != hostmm.FaultMinor {
		t.Errorf("parent pool fault after fork: got %v, want %v", got, hostmm.FaultMinor)
	}
}

func TestSemaphorePoolMoveDisablesBoth(t *testing.T) {
	g := newTestGlobal(t, Config{})
	defer g.Close()
	s := newTestSession(t, g)
	defer s.Release()
	mm := hostmm.NewMM()
	f := hostmm.NewFile()

	if err := s.AllocSemaphorePool(testBase, 2*page); err != nil {
		t.Fatalf("AllocSemaphorePool failed: %v", err)
	}
	m, err := mm.NewMapping(f, testBase, 2*page, testBase, managedFlags, s.EstablishMapping)
	if err != nil {
		t.Fatalf("mapping the pool failed: %v", err)
	}

	nm := mm.Move(m, testBase+16*page)
	if got := mm.Fault(nm.Start, false); got != hostmm.FaultSigbus {
		t.Errorf("fault on moved pool mapping: got %v, want %v", got, hostmm.FaultSigbus)
	}

	// The pool range itself survives; only its CPU view is gone.
	info, err := s.Lookup(testBase)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Kind != varange.KindSemaphorePool {
		t.Errorf("Lookup kind after move: got %v, want %v", info.Kind, varange.KindSemaphorePool)
	}
}
