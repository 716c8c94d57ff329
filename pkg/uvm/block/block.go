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

// Package block implements physical-residency tracking blocks: the unit
// at which page residency and migration are managed, underlying one or
// more address-range records.
package block

import (
	"fmt"
	"sync"
	"time"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
	"uvmd.dev/uvmd/pkg/uvm/processors"
)

// Size is the span of one block.
const Size = 2 << 20

// PagesPerBlock is the number of pages a block covers.
const PagesPerBlock = Size / hostmm.PageSize

// Per-page residency states stored in the block's state buffer.
const (
	stateUnpopulated = 0
	stateResidentMin = 1 // resident on processor (value - stateResidentMin)
)

// Thrashing policy: a page faulted on more than thrashThreshold times
// within thrashWindow is considered thrashing, and the faulting thread
// is throttled for throttlePeriod.
const (
	thrashWindow    = 100 * time.Millisecond
	thrashThreshold = 3
	throttlePeriod  = 10 * time.Millisecond
)

// AlignDown returns the block-aligned start of the block covering addr.
func AlignDown(addr uint64) uint64 {
	return addr &^ (Size - 1)
}

// ServiceContext is the reusable per-fault scratch state. Contexts are
// pool-allocated by the fault path; Reset must be called on acquisition
// so that no state leaks from the previous fault.
type ServiceContext struct {
	// WakeupTime, when nonzero, is the time before which the faulting
	// thread should throttle after a thrashing verdict.
	WakeupTime time.Time

	// DidMigrate is true if resolving the fault moved data between
	// processors (a major fault).
	DidMigrate bool

	// ECCCheck accumulates the GPUs whose memory must be checked for
	// uncorrectable errors after the fault, as a consequence of the
	// fault's migrations.
	ECCCheck processors.Mask
}

// Reset clears the context for a new fault.
func (svc *ServiceContext) Reset() {
	svc.WakeupTime = time.Time{}
	svc.DidMigrate = false
	svc.ECCCheck = 0
}

// pageThrash is one page's recent fault history.
type pageThrash struct {
	count       int
	windowStart time.Time
}

// Block tracks residency for the pages of one block-aligned span.
// Blocks are created lazily by the fault and migration paths and
// destroyed with their address space. The address space's lock orders
// block creation and destruction against use; per-page state and
// thrash history are guarded by the block's own mutex, a leaf lock,
// so faults on distinct blocks service in parallel while faults on
// the same block serialize.
type Block struct {
	start uint64

	mu sync.Mutex

	// state is the per-page residency buffer, one byte per page,
	// allocated from the tracking allocator. Guarded by mu.
	state memalloc.Addr

	// thrash is guarded by mu.
	thrash map[uint64]*pageThrash

	// now is the clock, replaceable by tests.
	now func() time.Time
}

// New creates the block covering addr, allocating its residency state.
func New(a *memalloc.Allocator, addr uint64) (*Block, error) {
	state, err := a.AllocZero(PagesPerBlock)
	if err != nil {
		return nil, err
	}
	return &Block{
		start:  AlignDown(addr),
		state:  state,
		thrash: make(map[uint64]*pageThrash),
		now:    time.Now,
	}, nil
}

// Start returns the block's aligned start address.
func (b *Block) Start() uint64 {
	return b.start
}

// Destroy frees the block's state.
func (b *Block) Destroy(a *memalloc.Allocator) {
	a.Free(b.state)
	b.state = 0
}

// pageIndex returns the index of addr's page within b.
func (b *Block) pageIndex(addr uint64) uint64 {
	if addr < b.start || addr >= b.start+Size {
		panic(fmt.Sprintf("address %#x outside block [%#x, %#x)", addr, b.start, b.start+Size))
	}
	return (addr - b.start) / hostmm.PageSize
}

// Residency returns the processor the page at addr is resident on, and
// false if the page is unpopulated.
func (b *Block) Residency(a *memalloc.Allocator, addr uint64) (processors.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := a.Bytes(b.state)[b.pageIndex(addr)]
	if s == stateUnpopulated {
		return 0, false
	}
	return processors.ID(s - stateResidentMin), true
}

// SetResidency moves the page at addr to proc, populating it if needed.
func (b *Block) SetResidency(a *memalloc.Allocator, addr uint64, proc processors.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a.Bytes(b.state)[b.pageIndex(addr)] = byte(proc) + stateResidentMin
}

// MigrateRange moves every page of [start, end] within b to dest,
// populating unpopulated pages there. Returns the number of pages whose
// residency changed.
func (b *Block) MigrateRange(a *memalloc.Allocator, start, end uint64, dest processors.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	moved := 0
	buf := a.Bytes(b.state)
	for addr := hostmm.PageRoundDown(start); addr <= end; addr += hostmm.PageSize {
		if addr < b.start || addr >= b.start+Size {
			continue
		}
		i := b.pageIndex(addr)
		if buf[i] != byte(dest)+stateResidentMin {
			buf[i] = byte(dest) + stateResidentMin
			moved++
		}
	}
	return moved
}

// thrashing records a fault on page and reports whether the page is
// thrashing.
//
// Preconditions: b.mu is locked.
func (b *Block) thrashing(page uint64) bool {
	now := b.now()
	th := b.thrash[page]
	if th == nil || now.Sub(th.windowStart) > thrashWindow {
		b.thrash[page] = &pageThrash{count: 1, windowStart: now}
		return false
	}
	th.count++
	if th.count > thrashThreshold {
		// The throttle is the remedy: start a fresh window so the
		// retry after the nap can make progress.
		delete(b.thrash, page)
		return true
	}
	return false
}

// CPUFault services a CPU fault on addr within b. If the page is
// resident on a GPU its data migrates to the CPU: DidMigrate is set and
// the GPU joins svc.ECCCheck. A thrashing page instead sets
// svc.WakeupTime and fails with ErrMoreProcessing; the caller throttles
// and retries.
//
// Preconditions: the owning address space's lock is held (read mode
// suffices; the block's mutex serializes servicing within the block).
func (b *Block) CPUFault(a *memalloc.Allocator, addr uint64, write bool, svc *ServiceContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	page := b.pageIndex(addr)

	if b.thrashing(page) {
		svc.WakeupTime = b.now().Add(throttlePeriod)
		return status.ErrMoreProcessing
	}

	buf := a.Bytes(b.state)
	switch s := buf[page]; {
	case s == stateUnpopulated:
		// First touch: populate on the CPU.
		buf[page] = byte(processors.CPU) + stateResidentMin
	case processors.ID(s - stateResidentMin).IsGPU():
		// Migrate the page's data to the CPU and remember to check the
		// source GPU for uncorrectable memory errors.
		gpu := processors.ID(s - stateResidentMin)
		buf[page] = byte(processors.CPU) + stateResidentMin
		svc.DidMigrate = true
		svc.ECCCheck.Set(gpu)
	default:
		// Already CPU-resident; only the mapping was missing.
	}
	return nil
}
