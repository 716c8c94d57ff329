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

// Package memalloc implements the driver's tracking allocator: a
// size-dispatching allocation layer over a small-object heap and a
// large-object heap, with configurable leak checking.
//
// Small allocations (at most SmallThreshold bytes) go to the small heap,
// which can report per-allocation usable size. Larger allocations go to
// the large heap and are prefixed with a hidden header recording the
// requested size, because the large heap exposes no size query. Size
// dispatches on the address region.
//
// The Allocator must outlive every component that allocates through it;
// Close reports outstanding allocations as leaks.
package memalloc

import (
	"encoding/binary"
	"runtime"

	"uvmd.dev/uvmd/pkg/status"
)

// Addr is an address in the allocator's simulated address space. The
// zero Addr is never a valid allocation.
type Addr uint64

// ZeroAddr is the sentinel returned by Realloc(p, 0): the allocation was
// freed and no new one was made. It is distinct from both the zero Addr
// (allocation failure) and any valid allocation, and must not be passed
// to Bytes or Size. Free(ZeroAddr) is a no-op.
const ZeroAddr Addr = 0x10

// SmallThreshold is the largest allocation size served by the small
// heap.
const SmallThreshold = 16 << 10

// hdrSize is the size of the hidden header prefixed to large-heap
// allocations.
const hdrSize = 8

// Config configures an Allocator.
type Config struct {
	// LeakCheck selects the leak-checking level. Read once at
	// construction.
	LeakCheck LeakCheckLevel

	// SmallCapacity and LargeCapacity bound the respective heaps in
	// bytes; 0 means unlimited. Used by tests to inject allocation
	// failure.
	SmallCapacity uint64
	LargeCapacity uint64
}

// Allocator is the tracking allocator service.
type Allocator struct {
	small *heap
	large *heap
	leak  leakChecker
}

// New creates an Allocator.
func New(cfg Config) *Allocator {
	a := &Allocator{
		small: newHeap(smallHeapBase, cfg.SmallCapacity, true),
		large: newHeap(largeHeapBase, cfg.LargeCapacity, false),
	}
	a.leak.init(cfg.LeakCheck)
	return a
}

// allocInternal allocates size bytes from the owning heap, returning 0 on
// failure. Large allocations get the hidden size header; the returned
// address points past it.
func (a *Allocator) allocInternal(size uintptr) Addr {
	if size <= SmallThreshold {
		return a.small.alloc(size)
	}
	base := a.large.alloc(size + hdrSize)
	if base == 0 {
		return 0
	}
	binary.LittleEndian.PutUint64(a.large.bytes(base), uint64(size))
	return base + hdrSize
}

// hdrAllocSize reads the hidden header of the large-heap allocation at p.
func (a *Allocator) hdrAllocSize(p Addr) uintptr {
	size := uintptr(binary.LittleEndian.Uint64(a.large.bytes(p - hdrSize)))
	if size <= SmallThreshold {
		panic("large-heap allocation below the small threshold")
	}
	return size
}

// Alloc allocates size bytes, zeroed. Returns ErrNoMemory on failure.
func (a *Allocator) Alloc(size uintptr) (Addr, error) {
	p := a.allocInternal(size)
	if p == 0 {
		return 0, status.ErrNoMemory
	}
	a.leak.add(a, p, callerOrigin())
	return p, nil
}

// AllocZero is Alloc; it exists so call sites can state the zeroing
// requirement explicitly. Fresh heap storage is always zeroed.
func (a *Allocator) AllocZero(size uintptr) (Addr, error) {
	p := a.allocInternal(size)
	if p == 0 {
		return 0, status.ErrNoMemory
	}
	a.leak.add(a, p, callerOrigin())
	return p, nil
}

// Free releases the allocation at p. Free(0) and Free(ZeroAddr) are
// no-ops.
func (a *Allocator) Free(p Addr) {
	if p == 0 || p == ZeroAddr {
		return
	}
	a.leak.remove(a, p)
	if isLargeAddr(p) {
		a.large.free(p - hdrSize)
	} else {
		a.small.free(p)
	}
}

// Size returns the usable size of the allocation at p. For small-heap
// allocations this is the size class, which may exceed the requested
// size; for large-heap allocations it is the requested size.
func (a *Allocator) Size(p Addr) uintptr {
	if p == 0 || p == ZeroAddr {
		panic("Size of empty allocation")
	}
	if isLargeAddr(p) {
		return a.hdrAllocSize(p)
	}
	return a.small.usableSize(p)
}

// Bytes returns the usable backing storage of the allocation at p.
func (a *Allocator) Bytes(p Addr) []byte {
	if isLargeAddr(p) {
		return a.large.bytes(p - hdrSize)[hdrSize:]
	}
	return a.small.bytes(p)
}

// reallocFromSmall handles reallocation of small-heap allocations.
func (a *Allocator) reallocFromSmall(p Addr, newSize uintptr) Addr {
	if newSize == 0 {
		a.small.free(p)
		return ZeroAddr
	}

	// small -> small: reuse in place if the size class doesn't change.
	if newSize <= SmallThreshold {
		if sizeClass(newSize) == a.small.usableSize(p) {
			return p
		}
		newP := a.small.alloc(newSize)
		if newP == 0 {
			return 0
		}
		copy(a.small.bytes(newP), a.small.bytes(p))
		a.small.free(p)
		return newP
	}

	// small -> large.
	newP := a.allocInternal(newSize)
	if newP == 0 {
		return 0
	}
	copy(a.Bytes(newP), a.small.bytes(p))
	a.small.free(p)
	return newP
}

// reallocFromLarge handles reallocation of large-heap allocations. The
// large heap has no native realloc, so any size change is a separate
// allocation plus copy; this also covers the large -> small transition.
func (a *Allocator) reallocFromLarge(p Addr, newSize uintptr) Addr {
	oldSize := a.hdrAllocSize(p)
	if newSize == 0 {
		a.large.free(p - hdrSize)
		return ZeroAddr
	}
	if newSize == oldSize {
		return p
	}

	newP := a.allocInternal(newSize)
	if newP == 0 {
		return 0
	}
	n := newSize
	if oldSize < n {
		n = oldSize
	}
	copy(a.Bytes(newP), a.Bytes(p)[:n])
	a.large.free(p - hdrSize)
	return newP
}

// Realloc resizes the allocation at p to newSize. A zero or ZeroAddr p
// behaves as Alloc. A zero newSize behaves as Free and returns ZeroAddr.
//
// On failure (ErrNoMemory) the allocation at p and its leak-tracking
// record are unchanged: p remains valid and must still be freed by the
// caller.
func (a *Allocator) Realloc(p Addr, newSize uintptr) (Addr, error) {
	if p == 0 || p == ZeroAddr {
		newP := a.allocInternal(newSize)
		if newP == 0 {
			return 0, status.ErrNoMemory
		}
		a.leak.add(a, newP, callerOrigin())
		return newP, nil
	}

	oldSize := a.Size(p)

	// Remove the old tracking entry up front: if reallocation hands out
	// a new address while the old one is still in the table, the old
	// address could be reallocated by another thread before we got
	// around to removing it.
	var info *allocInfo
	if a.leak.enabled() {
		if newSize == 0 {
			a.leak.remove(a, p)
		} else {
			info = a.leak.detach(p, oldSize)
		}
	}

	var newP Addr
	if isLargeAddr(p) {
		newP = a.reallocFromLarge(p, newSize)
	} else {
		newP = a.reallocFromSmall(p, newSize)
	}

	if a.leak.enabled() {
		if newP == 0 {
			// Failed; the original allocation is intact, so put its
			// tracking back.
			a.leak.reattach(info, oldSize)
		} else if newSize != 0 {
			a.leak.add(a, newP, callerOrigin())
		}
	}

	if newP == 0 {
		return 0, status.ErrNoMemory
	}
	return newP, nil
}

// OutstandingBytes returns the aggregate bytes currently allocated, as
// accounted by the leak checker. Zero when leak checking is disabled.
func (a *Allocator) OutstandingBytes() int64 {
	return a.leak.bytesAllocated.Load()
}

// origin records an allocation's call site.
type origin struct {
	file     string
	line     int
	function string
}

// callerOrigin captures the call site two frames up: the caller of the
// exported Allocator method.
func callerOrigin() origin {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return origin{file: "?", function: "?"}
	}
	fn := "?"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = f.Name()
	}
	return origin{file: file, line: line, function: fn}
}
