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

	"github.com/sirupsen/logrus"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/block"
	"uvmd.dev/uvmd/pkg/uvm/processors"
	"uvmd.dev/uvmd/pkg/uvm/varange"
	"uvmd.dev/uvmd/pkg/uvm/vaspace"
)

// Session is one open handle on the driver. Each session owns exactly
// one address space; the address space is torn down when the session is
// released.
type Session struct {
	g     *Global
	space *vaspace.Space

	gpuMu sync.RWMutex
	gpus  map[processors.ID]*GPU
}

// Open creates a new session with a fresh, uninitialized address
// space. Returns BUSY_RETRY while suspended.
func (g *Global) Open() (*Session, error) {
	if err := g.Status(); err != nil {
		return nil, err
	}
	if !g.pm.TryRLock() {
		return nil, status.ErrBusyRetry
	}
	defer g.pm.RUnlock()

	return &Session{
		g:     g,
		space: vaspace.New(g.alloc),
		gpus:  make(map[processors.ID]*GPU),
	}, nil
}

// Release tears the session's address space down. It never blocks on
// the power-management lock: while suspended, teardown is handed to the
// deferred-release pool and runs once Resume drops the write lock.
func (s *Session) Release() {
	g := s.g
	if g.pm.TryRLock() {
		s.space.Destroy()
		g.pm.RUnlock()
		return
	}
	g.submitDeferred(func() {
		g.pm.RLock()
		s.space.Destroy()
		g.pm.RUnlock()
	})
}

// Space returns the session's address space.
func (s *Session) Space() *vaspace.Space {
	return s.space
}

// RegisterGPU adds a GPU to the session. The caller assigns the
// processor ID.
func (s *Session) RegisterGPU(gpu *GPU) error {
	if !gpu.ID.IsGPU() {
		return status.ErrInvalidArgument
	}
	s.gpuMu.Lock()
	defer s.gpuMu.Unlock()
	if _, ok := s.gpus[gpu.ID]; ok {
		return status.ErrAddressInUse
	}
	s.gpus[gpu.ID] = gpu
	return nil
}

// gate is the common entry-point prologue: fail fast on a global error,
// then try the power-management lock. Returns the unlock function on
// success.
func (s *Session) gate() (func(), error) {
	g := s.g
	if err := g.Status(); err != nil {
		return nil, err
	}
	if !g.pm.TryRLock() {
		return nil, status.ErrBusyRetry
	}
	return g.pm.RUnlock, nil
}

// Initialize initializes the session's address space. Repeated calls
// with the same flags succeed; changing flags after the fact fails.
func (s *Session) Initialize(flags vaspace.InitFlags) error {
	unlock, err := s.gate()
	if err != nil {
		return err
	}
	defer unlock()
	return s.space.Initialize(flags)
}

// AllocSemaphorePool creates a semaphore pool range covering
// [start, start+length). The backing memory is allocated eagerly.
func (s *Session) AllocSemaphorePool(start, length uint64) error {
	unlock, err := s.gate()
	if err != nil {
		return err
	}
	defer unlock()

	if !s.space.Initialized() {
		return status.ErrInvalidState
	}
	if length == 0 || !hostmm.IsPageAligned(start) || !hostmm.IsPageAligned(length) {
		return status.ErrInvalidArgument
	}

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	r, err := varange.NewSemaphorePool(s.g.alloc, start, start+length-1)
	if err != nil {
		return err
	}
	if err := s.space.Ranges.Insert(r); err != nil {
		r.Destroy(s.g.alloc)
		return err
	}
	return nil
}

// Free destroys the range starting exactly at addr. Freeing at an
// address that is not a range base fails.
func (s *Session) Free(addr uint64) error {
	unlock, err := s.gate()
	if err != nil {
		return err
	}
	defer unlock()

	if !s.space.Initialized() {
		return status.ErrInvalidState
	}

	s.space.Mu.Lock()
	defer s.space.Mu.Unlock()

	r := s.space.Ranges.Find(addr)
	if r == nil || r.Start != addr {
		return status.ErrInvalidArgument
	}
	s.space.Ranges.Remove(r)
	s.space.DestroyBlocksIn(r.Start, r.End)
	r.Destroy(s.g.alloc)
	return nil
}

// Migrate moves the residency of [start, start+length) to dest,
// creating blocks as needed. Returns the number of pages moved.
func (s *Session) Migrate(start, length uint64, dest processors.ID) (uint64, error) {
	unlock, err := s.gate()
	if err != nil {
		return 0, err
	}
	defer unlock()

	if !s.space.Initialized() {
		return 0, status.ErrInvalidState
	}
	if length == 0 || !hostmm.IsPageAligned(start) || !hostmm.IsPageAligned(length) {
		return 0, status.ErrInvalidArgument
	}

	s.space.Mu.RLock()
	defer s.space.Mu.RUnlock()

	end := start + length - 1
	var moved uint64
	for addr := start; addr <= end; addr = block.AlignDown(addr) + block.Size {
		b, err := s.space.FindCreateBlock(addr)
		if err != nil {
			return moved, err
		}
		last := block.AlignDown(addr) + block.Size - 1
		if last > end {
			last = end
		}
		moved += uint64(b.MigrateRange(s.g.alloc, addr, last, dest))
	}
	return moved, nil
}

// RangeInfo describes a range for Lookup.
type RangeInfo struct {
	Start  uint64
	End    uint64 // inclusive
	Kind   varange.Kind
	Zombie bool
}

// Lookup reports the range containing addr.
func (s *Session) Lookup(addr uint64) (RangeInfo, error) {
	unlock, err := s.gate()
	if err != nil {
		return RangeInfo{}, err
	}
	defer unlock()

	if !s.space.Initialized() {
		return RangeInfo{}, status.ErrInvalidState
	}

	s.space.Mu.RLock()
	defer s.space.Mu.RUnlock()

	r := s.space.Ranges.Find(addr)
	if r == nil {
		return RangeInfo{}, status.ErrAccessViolation
	}
	return RangeInfo{Start: r.Start, End: r.End, Kind: r.Kind, Zombie: r.Zombie}, nil
}

// CleanUpZombies removes ranges left behind by other processes'
// teardown of shared mappings.
func (s *Session) CleanUpZombies() error {
	unlock, err := s.gate()
	if err != nil {
		return err
	}
	defer unlock()

	if !s.space.Initialized() {
		return status.ErrInvalidState
	}
	s.space.CleanupZombies()
	return nil
}

// stopUserChannels stops user channels on every registered GPU, once
// per address space.
func (s *Session) stopUserChannels() {
	if s.space.ChannelsStopped.Load() {
		return
	}
	s.gpuMu.RLock()
	for _, gpu := range s.gpus {
		if gpu.StopChannels != nil {
			gpu.StopChannels()
		}
	}
	s.gpuMu.RUnlock()
	s.space.ChannelsStopped.Store(true)
	logrus.WithField("space", s.space).Debug("user channels stopped")
}

// markFaultBufferFlush flags every registered GPU so fault-buffer
// entries recorded against destroyed ranges are flushed before reuse.
func (s *Session) markFaultBufferFlush() {
	s.gpuMu.RLock()
	defer s.gpuMu.RUnlock()
	for _, gpu := range s.gpus {
		gpu.NeedsFaultBufferFlush.Store(true)
	}
}

// checkECC runs the ECC hook of every GPU in mask. Never called with
// the address-space lock held.
func (s *Session) checkECC(mask processors.Mask) error {
	s.gpuMu.RLock()
	defer s.gpuMu.RUnlock()
	var err error
	mask.ForEach(func(id processors.ID) bool {
		gpu, ok := s.gpus[id]
		if !ok || gpu.CheckECC == nil {
			return true
		}
		if e := gpu.CheckECC(); e != nil {
			err = e
			return false
		}
		return true
	})
	return err
}
