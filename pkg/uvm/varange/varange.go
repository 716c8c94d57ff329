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

// Package varange implements address-range records and the per-address-
// space ordered table indexing them.
//
// A Range covers one contiguous virtual-address interval with inclusive
// bounds. Ranges in a Table never overlap. The Table itself is not
// synchronized; callers hold the owning address space's lock, write mode
// for structural changes.
package varange

import (
	"fmt"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
)

// Kind classifies an address-range record.
type Kind int

// Range kinds.
const (
	KindManaged Kind = iota
	KindSemaphorePool
	KindExternal
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindManaged:
		return "managed"
	case KindSemaphorePool:
		return "semaphore-pool"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Wrapper ties a host mapping to the managed range records it exposes.
// Exactly one Wrapper is live per active managed mapping; disabling the
// mapping releases it.
//
// Origin is the mapping this one derives from, captured once at
// construction and never mutated. When the host carves a new mapping out
// of an existing one, the new mapping inherits the original's wrapper
// before its Open callback runs, so Origin is how Open finds the parent.
type Wrapper struct {
	Mapping *hostmm.Mapping
	Origin  *hostmm.Mapping
}

// NewWrapper returns a Wrapper for m, with m as its own origin.
func NewWrapper(m *hostmm.Mapping) *Wrapper {
	return &Wrapper{Mapping: m, Origin: m}
}

// ManagedInfo is the payload of a managed range.
type ManagedInfo struct {
	// Wrapper is the current mapping wrapper exposing this range. nil
	// on zombie ranges.
	Wrapper *Wrapper

	// Policy is the per-page policy buffer (one byte per page),
	// allocated from the tracking allocator.
	Policy memalloc.Addr
}

// SemaphorePoolInfo is the payload of a semaphore-pool range. The pool
// memory is owned by the allocation that created the range, not by any
// mapping of it.
type SemaphorePoolInfo struct {
	// Mem is the pool's backing memory.
	Mem memalloc.Addr

	// CPUMapped tracks whether a CPU-visible mapping of the pool is
	// currently established.
	CPUMapped bool
}

// Range is one address-range record: a contiguous virtual-address
// interval [Start, End] (inclusive bounds) of one kind, exclusively
// owned by the address space whose table it is in.
type Range struct {
	Start uint64
	End   uint64
	Kind  Kind

	// Zombie marks the range for deferred reclamation: teardown ran in
	// a mode that must tolerate the address space outliving the
	// process.
	Zombie bool

	Managed *ManagedInfo
	SemPool *SemaphorePoolInfo
}

// String implements fmt.Stringer.String.
func (r *Range) String() string {
	return fmt.Sprintf("%s range [%#x, %#x]", r.Kind, r.Start, r.End)
}

// Length returns the range's length in bytes.
func (r *Range) Length() uint64 {
	return r.End - r.Start + 1
}

// pages returns the number of pages the range covers.
func (r *Range) pages() uint64 {
	return r.Length() / hostmm.PageSize
}

// NewManaged creates a managed range covering [start, end] backed by w,
// allocating its per-page policy buffer. end is inclusive.
func NewManaged(a *memalloc.Allocator, start, end uint64, w *Wrapper) (*Range, error) {
	r := &Range{
		Start:   start,
		End:     end,
		Kind:    KindManaged,
		Managed: &ManagedInfo{Wrapper: w},
	}
	policy, err := a.AllocZero(uintptr(r.pages()))
	if err != nil {
		return nil, err
	}
	r.Managed.Policy = policy
	return r, nil
}

// NewSemaphorePool creates a semaphore-pool range covering [start, end],
// allocating the pool's backing memory.
func NewSemaphorePool(a *memalloc.Allocator, start, end uint64) (*Range, error) {
	mem, err := a.AllocZero(uintptr(end - start + 1))
	if err != nil {
		return nil, err
	}
	return &Range{
		Start:   start,
		End:     end,
		Kind:    KindSemaphorePool,
		SemPool: &SemaphorePoolInfo{Mem: mem},
	}, nil
}

// Destroy frees the range's kind-specific payload. The range must
// already have been removed from its table.
func (r *Range) Destroy(a *memalloc.Allocator) {
	switch r.Kind {
	case KindManaged:
		a.Free(r.Managed.Policy)
		r.Managed.Policy = 0
		r.Managed.Wrapper = nil
	case KindSemaphorePool:
		a.Free(r.SemPool.Mem)
		r.SemPool.Mem = 0
	}
}

// Zombify marks the range for deferred reclamation. The range keeps its
// table entry and payload, but drops its wrapper reference: the mapping
// is going away even though the record survives.
func (r *Range) Zombify() {
	r.Zombie = true
	if r.Managed != nil {
		r.Managed.Wrapper = nil
	}
}

// splitPayload splits r's payload at newEnd, returning the payload for
// the new range covering [newEnd+1, r.End]. On error r's payload is
// unchanged.
func (r *Range) splitPayload(a *memalloc.Allocator, newEnd uint64) (*Range, error) {
	nr := &Range{
		Start:  newEnd + 1,
		End:    r.End,
		Kind:   r.Kind,
		Zombie: r.Zombie,
	}
	switch r.Kind {
	case KindManaged:
		nr.Managed = &ManagedInfo{Wrapper: r.Managed.Wrapper}
		policy, err := a.Alloc(uintptr(nr.pages()))
		if err != nil {
			return nil, err
		}
		nr.Managed.Policy = policy
		leftPages := (newEnd - r.Start + 1) / hostmm.PageSize
		copy(a.Bytes(policy), a.Bytes(r.Managed.Policy)[leftPages:])
		// Shrink the left buffer to its new page count. Failure is
		// benign: the oversized buffer stays valid and is freed with
		// the range.
		if p, err := a.Realloc(r.Managed.Policy, uintptr(leftPages)); err == nil {
			r.Managed.Policy = p
		}
	default:
		// Only managed ranges can be split by a mapping split.
		return nil, status.ErrInvalidState
	}
	return nr, nil
}
