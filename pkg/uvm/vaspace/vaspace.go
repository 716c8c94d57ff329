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

// Package vaspace implements the per-session address space: the
// container of address-range records, residency blocks, and the lock
// guarding them.
package vaspace

import (
	"sync"
	"sync/atomic"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/block"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
	"uvmd.dev/uvmd/pkg/uvm/varange"
)

// InitFlags are the session initialization flags.
type InitFlags uint32

// InitMultiProcessSharing configures the address space to tolerate
// outliving its creating process: managed teardown zombifies ranges
// instead of destroying them.
const InitMultiProcessSharing InitFlags = 1 << 0

// Space is one session's address space.
//
// Lock order: the power-management lock is taken outside Mu; leaf locks
// (blocksMu, allocator and pool locks) are taken inside. Mu is held in
// read mode by fault resolution and most session calls, and in write
// mode for structural changes (mapping establishment, split, close,
// destroy).
type Space struct {
	// Mu is the address-space lock.
	Mu sync.RWMutex

	// Ranges is the address-range table. Guarded by Mu.
	Ranges *varange.Table

	alloc *memalloc.Allocator

	// initialized and flags are set once by Initialize. Guarded by Mu.
	initialized bool
	flags       InitFlags

	// hostSpace is the host address space this Space is associated
	// with, bound at first mapping establishment. Guarded by Mu.
	hostSpace      hostmm.AddressSpaceID
	hostSpaceBound bool

	// ChannelsStopped is set once all user channels have been stopped
	// ahead of teardown.
	ChannelsStopped atomic.Bool

	// blocksMu guards blocks. Leaf lock: held only for map operations.
	blocksMu sync.Mutex
	blocks   map[uint64]*block.Block
}

// New creates an empty Space allocating through a.
func New(a *memalloc.Allocator) *Space {
	return &Space{
		Ranges: varange.NewTable(a),
		alloc:  a,
		blocks: make(map[uint64]*block.Block),
	}
}

// Allocator returns the space's allocator.
func (s *Space) Allocator() *memalloc.Allocator {
	return s.alloc
}

// Initialize records the session initialization flags. A second call is
// valid only with identical flags.
func (s *Space) Initialize(flags InitFlags) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.initialized {
		if s.flags != flags {
			return status.ErrInvalidState
		}
		return nil
	}
	s.initialized = true
	s.flags = flags
	return nil
}

// Initialized returns true once Initialize has run.
func (s *Space) Initialized() bool {
	s.Mu.RLock()
	defer s.Mu.RUnlock()
	return s.initialized
}

// Flags returns the initialization flags.
func (s *Space) Flags() InitFlags {
	s.Mu.RLock()
	defer s.Mu.RUnlock()
	return s.flags
}

// BindHostSpace associates the space with a host address space on first
// use and rejects mappings from any other host address space thereafter.
//
// Preconditions: Mu locked (write mode).
func (s *Space) BindHostSpace(id hostmm.AddressSpaceID) error {
	if s.hostSpaceBound {
		if s.hostSpace != id {
			return status.ErrInvalidState
		}
		return nil
	}
	s.hostSpace = id
	s.hostSpaceBound = true
	return nil
}

// FindBlock returns the existing block covering addr, or nil.
func (s *Space) FindBlock(addr uint64) *block.Block {
	s.blocksMu.Lock()
	defer s.blocksMu.Unlock()
	return s.blocks[block.AlignDown(addr)]
}

// FindCreateBlock returns the block covering addr, lazily creating it.
// Fails with ErrAccessViolation if no live managed range covers addr,
// and ErrNoMemory if block creation cannot allocate.
//
// Preconditions: Mu locked (read mode suffices).
func (s *Space) FindCreateBlock(addr uint64) (*block.Block, error) {
	r := s.Ranges.Find(addr)
	if r == nil || r.Kind != varange.KindManaged || r.Zombie {
		return nil, status.ErrAccessViolation
	}

	start := block.AlignDown(addr)
	s.blocksMu.Lock()
	if b := s.blocks[start]; b != nil {
		s.blocksMu.Unlock()
		return b, nil
	}
	s.blocksMu.Unlock()

	// Allocate outside blocksMu; leaf locks don't nest.
	b, err := block.New(s.alloc, addr)
	if err != nil {
		return nil, err
	}

	s.blocksMu.Lock()
	if existing := s.blocks[start]; existing != nil {
		s.blocksMu.Unlock()
		b.Destroy(s.alloc)
		return existing, nil
	}
	s.blocks[start] = b
	s.blocksMu.Unlock()
	return b, nil
}

// DestroyBlocksIn destroys blocks intersecting [start, end] that no
// range in the table still covers. A block straddling the boundary of
// a removed range survives while a neighboring range shares it; its
// turn comes when that range goes too.
//
// Preconditions: Mu is locked for writing, and any range being torn
// down has already been removed from the table.
func (s *Space) DestroyBlocksIn(start, end uint64) {
	s.blocksMu.Lock()
	var candidates []uint64
	for bstart := range s.blocks {
		if bstart+block.Size-1 >= start && bstart <= end {
			candidates = append(candidates, bstart)
		}
	}
	s.blocksMu.Unlock()

	// Mu excludes concurrent block creation, so the map cannot grow
	// between the scan and the deletes.
	for _, bstart := range candidates {
		shared := false
		s.Ranges.FindInterval(bstart, bstart+block.Size-1, func(*varange.Range) bool {
			shared = true
			return false
		})
		if shared {
			continue
		}
		s.blocksMu.Lock()
		b := s.blocks[bstart]
		delete(s.blocks, bstart)
		s.blocksMu.Unlock()
		b.Destroy(s.alloc)
	}
}

// CleanupZombies destroys every zombie range and the blocks under it.
func (s *Space) CleanupZombies() {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Ranges.All(func(r *varange.Range) bool {
		if r.Zombie {
			s.Ranges.Remove(r)
			s.DestroyBlocksIn(r.Start, r.End)
			r.Destroy(s.alloc)
		}
		return true
	})
}

// Destroy tears the space down: every range record and block is
// destroyed, zombie or not. Mappings of the space have already been
// closed by the host by the time the session is released.
func (s *Space) Destroy() {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	s.Ranges.All(func(r *varange.Range) bool {
		s.Ranges.Remove(r)
		r.Destroy(s.alloc)
		return true
	})

	s.blocksMu.Lock()
	blocks := s.blocks
	s.blocks = nil
	s.blocksMu.Unlock()
	for _, b := range blocks {
		b.Destroy(s.alloc)
	}
}
