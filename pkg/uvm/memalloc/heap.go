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

package memalloc

import (
	"fmt"
	"sync"
)

// Heap address layout. An address' region identifies the owning heap, the
// way is_vmalloc_addr distinguishes kernel heap classes.
const (
	smallHeapBase = 0x0000_1000_0000_0000
	largeHeapBase = 0x0000_2000_0000_0000
)

// isLargeAddr returns true if addr belongs to the large-object heap.
func isLargeAddr(addr Addr) bool {
	return uint64(addr) >= largeHeapBase
}

// heap is one simulated object heap: a bump-pointer address allocator
// over per-allocation byte slices, with an optional byte capacity used
// for out-of-memory injection.
//
// The small heap rounds sizes up to a size class and reports the class
// size as the allocation's usable size (the ksize analog). The large
// heap allocates exact sizes and exposes no per-allocation size query;
// the Allocator layers a hidden size header on top of it.
//
// The heap lock is a leaf lock: held only for O(1) map and counter
// operations.
type heap struct {
	mu sync.Mutex

	base     uint64
	next     uint64
	capacity uint64 // 0 means unlimited
	used     uint64

	sized  bool // round to size classes and expose usable size
	allocs map[Addr][]byte
}

func newHeap(base, capacity uint64, sized bool) *heap {
	return &heap{
		base:     base,
		next:     base,
		capacity: capacity,
		sized:    sized,
		allocs:   make(map[Addr][]byte),
	}
}

// sizeClass returns the small-heap size class for size: the next power of
// two, with a floor of 16 bytes.
func sizeClass(size uintptr) uintptr {
	class := uintptr(16)
	for class < size {
		class <<= 1
	}
	return class
}

// alloc reserves storage for size bytes and returns its address, or 0 if
// the heap's capacity is exhausted. The returned storage is zeroed.
func (h *heap) alloc(size uintptr) Addr {
	alloc := size
	if h.sized {
		alloc = sizeClass(size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capacity != 0 && h.used+uint64(alloc) > h.capacity {
		return 0
	}
	addr := Addr(h.next)
	// Keep allocations aligned and non-adjacent so that address
	// arithmetic bugs trap in lookups rather than aliasing a neighbor.
	h.next += (uint64(alloc) + 63) &^ 63
	h.used += uint64(alloc)
	h.allocs[addr] = make([]byte, alloc)
	return addr
}

// free releases the allocation at addr.
//
// Preconditions: addr was returned by h.alloc and not yet freed.
func (h *heap) free(addr Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.allocs[addr]
	if !ok {
		panic(fmt.Sprintf("free of unknown address %#x", uint64(addr)))
	}
	h.used -= uint64(len(buf))
	delete(h.allocs, addr)
}

// bytes returns the backing storage of the allocation at addr.
func (h *heap) bytes(addr Addr) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.allocs[addr]
	if !ok {
		panic(fmt.Sprintf("access to unknown address %#x", uint64(addr)))
	}
	return buf
}

// usableSize returns the usable size of the allocation at addr. Only the
// small heap supports size queries.
func (h *heap) usableSize(addr Addr) uintptr {
	if !h.sized {
		panic("usableSize on a heap without size queries")
	}
	return uintptr(len(h.bytes(addr)))
}

// contains returns true if addr is a live allocation in h.
func (h *heap) contains(addr Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.allocs[addr]
	return ok
}
