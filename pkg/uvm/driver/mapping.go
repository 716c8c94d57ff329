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
	"fmt"

	"github.com/sirupsen/logrus"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/varange"
	"uvmd.dev/uvmd/pkg/uvm/vaspace"
)

// requiredMappingFlags are what a managed mapping must be established
// with. Anything else is rejected up front rather than degraded.
const requiredMappingFlags = hostmm.FlagShared | hostmm.FlagRead | hostmm.FlagWrite

// EstablishMapping validates and registers a new host mapping against
// the session's address space, to be passed as the establish callback
// of hostmm.MM.NewMapping. On success the mapping's fault, split, fork
// and teardown callbacks route back into this session.
//
// A power-management suspend in progress does not fail establishment:
// the mapping is created disabled and the caller discovers the
// degradation through a later ioctl, mirroring how mmap itself cannot
// report a transient condition.
func (s *Session) EstablishMapping(m *hostmm.Mapping) error {
	g := s.g
	if err := g.Status(); err != nil {
		return err
	}
	if !s.space.Initialized() {
		return status.ErrInvalidState
	}
	if m.Offset != m.Start {
		logrus.WithFields(logrus.Fields{
			"start":  fmt.Sprintf("%#x", m.Start),
			"offset": fmt.Sprintf("%#x", m.Offset),
		}).Debug("mapping rejected: offset does not match base")
		return status.ErrInvalidArgument
	}
	if !m.HasFlags(requiredMappingFlags) {
		logrus.WithField("flags", m.Flags).Debug("mapping rejected: must be shared read-write")
		return status.ErrInvalidArgument
	}

	if !g.pm.TryRLock() {
		s.disableMapping(m)
		return nil
	}
	defer g.pm.RUnlock()

	// Mixed-map keeps the host from assuming struct-page backing;
	// dont-expand keeps heap growth from silently extending us.
	m.Flags |= hostmm.FlagMixedMap | hostmm.FlagDontExpand
	m.SetOps(&managedOps{s})
	m.SetPrivate(varange.NewWrapper(m))

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	if err := s.space.BindHostSpace(m.Space()); err != nil {
		m.SetPrivate(nil)
		return err
	}

	err := s.createManagedRange(m)
	if err == status.ErrAddressInUse {
		// The caller may be mapping a semaphore pool it allocated
		// earlier; that is the one permitted collision, and only for
		// an exact fit.
		if r := s.findExactSemaphorePool(m); r != nil {
			m.SetOps(&semPoolOps{s})
			m.SetPrivate(m)
			s.mapSemaphorePoolCPU(r, m)
			return nil
		}
	}
	if err != nil {
		m.SetPrivate(nil)
		return err
	}
	return nil
}

// createManagedRange creates the managed range backing m.
// Preconditions: the address-space lock is held for writing and m's
// private data is its wrapper.
func (s *Session) createManagedRange(m *hostmm.Mapping) error {
	w := m.Private().(*varange.Wrapper)
	r, err := varange.NewManaged(s.g.alloc, m.Start, m.End-1, w)
	if err != nil {
		return err
	}
	if err := s.space.Ranges.Insert(r); err != nil {
		r.Destroy(s.g.alloc)
		return err
	}
	return nil
}

// findExactSemaphorePool returns the semaphore pool range exactly
// matching m's span, or nil.
func (s *Session) findExactSemaphorePool(m *hostmm.Mapping) *varange.Range {
	r := s.space.Ranges.Find(m.Start)
	if r == nil || r.Kind != varange.KindSemaphorePool {
		return nil
	}
	if r.Start != m.Start || r.End != m.End-1 {
		return nil
	}
	return r
}

// mapSemaphorePoolCPU publishes the pool's pages through m.
func (s *Session) mapSemaphorePoolCPU(r *varange.Range, m *hostmm.Mapping) {
	for off := m.Offset; off < m.Offset+m.Length(); off += hostmm.PageSize {
		m.File().InstallPage(off)
	}
	r.SemPool.CPUMapped = true
}

// disableMapping makes m inert: its pages are unmapped, subsequent
// faults raise an access error and teardown has nothing to release.
// Range records under it are untouched.
func (s *Session) disableMapping(m *hostmm.Mapping) {
	m.File().UnmapRange(m.Offset, m.Length())
	m.SetOps(&disabledOps{s})
	m.SetPrivate(nil)
}

// destroyManagedRanges releases every range record under m. With
// zombie set the records are zombified instead, left for another
// process sharing the space to reclaim.
//
// Preconditions: the address-space lock is held for writing; every
// range under m is managed.
func (s *Session) destroyManagedRanges(m *hostmm.Mapping, zombie bool) {
	var covered uint64
	s.space.Ranges.FindIntervalSafe(m.Start, m.End-1, func(r *varange.Range) bool {
		if r.Kind != varange.KindManaged {
			panic(fmt.Sprintf("%s under managed mapping [%#x, %#x)", r, m.Start, m.End))
		}
		covered += r.Length()
		if zombie {
			r.Zombify()
			return true
		}
		s.space.Ranges.Remove(r)
		s.space.DestroyBlocksIn(r.Start, r.End)
		r.Destroy(s.g.alloc)
		return true
	})
	if covered != m.Length() {
		panic(fmt.Sprintf("mapping [%#x, %#x) covered %#x bytes of ranges", m.Start, m.End, covered))
	}
}

// managedOps routes a managed mapping's host callbacks into the
// session.
type managedOps struct {
	s *Session
}

// Open handles a managed mapping being split, forked or moved. The
// host duplicates the origin's private data into the new mapping, so
// the wrapper found here belongs to the origin; its Origin field is
// the one trustworthy way back, the new mapping's own bounds having
// already diverged.
//
// Only a split keeps the mapping managed. A fork or a move gets the
// new mapping disabled; fault resolution state is never shared across
// address spaces and never survives a relocation.
func (ops *managedOps) Open(m *hostmm.Mapping) {
	s := ops.s
	w := m.Private().(*varange.Wrapper)
	origin := w.Origin
	m.SetPrivate(nil)

	if m.Space() != origin.Space() {
		// Fork: the child's copy is disabled, the parent keeps its
		// mapping untouched.
		s.disableMapping(m)
		return
	}
	if m.Start != origin.Start && m.End != origin.End {
		// Move: nothing ties the new location to the old records.
		s.disableMapping(m)
		return
	}

	// Split. The new mapping keeps one of the origin's endpoints; the
	// boundary is the other end of the new mapping.
	var newEnd uint64
	if m.Start == origin.Start {
		newEnd = m.End - 1
	} else {
		newEnd = m.Start - 1
	}

	nw := varange.NewWrapper(m)
	m.SetPrivate(nw)

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	r := s.space.Ranges.Find(newEnd)
	if r == nil || r.Kind != varange.KindManaged || r.Managed.Wrapper != w {
		s.openFailure(origin, m)
		return
	}
	if r.End != newEnd {
		if _, err := s.space.Ranges.Split(r, newEnd); err != nil {
			logrus.WithFields(logrus.Fields{
				"range":    r.String(),
				"boundary": fmt.Sprintf("%#x", newEnd),
				"error":    err,
			}).Warn("mapping split failed, disabling both mappings")
			s.openFailure(origin, m)
			return
		}
	}
	// Repoint the records now under the new mapping at its wrapper.
	s.space.Ranges.FindInterval(m.Start, m.End-1, func(r *varange.Range) bool {
		r.Managed.Wrapper = nw
		return true
	})
}

// openFailure is the split failure path: with no way to report an
// error to the host, both halves are disabled so neither can observe a
// half-split state, and the origin's records go away entirely.
// Preconditions: the address-space lock is held for writing; the
// origin's records still span its original bounds.
func (s *Session) openFailure(origin, m *hostmm.Mapping) {
	s.destroyManagedRanges(origin, false)
	s.disableMapping(origin)
	s.disableMapping(m)
}

// Close tears down the records under a managed mapping. On process
// exit with multi-process sharing the records become zombies instead,
// since another process may still hold the session; otherwise exit
// stops user channels first so no more faults arrive from the device.
func (ops *managedOps) Close(m *hostmm.Mapping) {
	s := ops.s
	makeZombie := false
	if m.Exiting() {
		if s.space.Flags()&vaspace.InitMultiProcessSharing != 0 {
			makeZombie = true
		} else {
			s.stopUserChannels()
		}
	}

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	s.destroyManagedRanges(m, makeZombie)
	m.SetPrivate(nil)

	// Stale fault-buffer entries for the destroyed ranges must not be
	// attributed to whatever reuses these addresses.
	s.markFaultBufferFlush()
}

// Fault services a CPU fault on a managed mapping.
func (ops *managedOps) Fault(m *hostmm.Mapping, addr uint64, write bool) hostmm.FaultResult {
	return ops.s.resolveFault(addr, write)
}

// semPoolOps handles host callbacks for a semaphore pool mapping. The
// mapping's private data is the origin mapping itself; pool mappings
// carry no wrapper.
type semPoolOps struct {
	s *Session
}

// Open handles a semaphore pool mapping being duplicated. A fork
// disables only the child's copy and rebuilds the parent's CPU view; a
// split or move within one address space leaves no single owner for
// the pool pages, so both mappings are disabled.
func (ops *semPoolOps) Open(m *hostmm.Mapping) {
	s := ops.s
	origin := m.Private().(*hostmm.Mapping)
	m.SetPrivate(nil)

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	r := s.findExactSemaphorePool(origin)
	if r == nil {
		panic(fmt.Sprintf("no pool under mapping [%#x, %#x)", origin.Start, origin.End))
	}

	if m.Space() != origin.Space() {
		s.disableMapping(m)
		r.SemPool.CPUMapped = false
		s.mapSemaphorePoolCPU(r, origin)
		return
	}
	r.SemPool.CPUMapped = false
	s.disableMapping(origin)
	s.disableMapping(m)
}

// Close drops the pool's CPU view. The pool memory itself stays until
// the range is freed through the session.
func (ops *semPoolOps) Close(m *hostmm.Mapping) {
	s := ops.s
	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	if r := s.findExactSemaphorePool(m); r != nil {
		r.SemPool.CPUMapped = false
	}
}

// Fault rejects faults on pool pages that were never published.
func (ops *semPoolOps) Fault(m *hostmm.Mapping, addr uint64, write bool) hostmm.FaultResult {
	if m.File().PageInstalled(m.Offset + (addr - m.Start)) {
		return hostmm.FaultMinor
	}
	return hostmm.FaultSigbus
}

// disabledOps is the terminal state of a degraded mapping: every fault
// is an access error, duplication and teardown are no-ops.
type disabledOps struct {
	s *Session
}

// Open implements hostmm.MappingOps.Open.
func (ops *disabledOps) Open(m *hostmm.Mapping) {}

// Close implements hostmm.MappingOps.Close.
func (ops *disabledOps) Close(m *hostmm.Mapping) {}

// Fault implements hostmm.MappingOps.Fault.
func (ops *disabledOps) Fault(m *hostmm.Mapping, addr uint64, write bool) hostmm.FaultResult {
	logrus.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("fault on disabled mapping")
	return hostmm.FaultSigbus
}
