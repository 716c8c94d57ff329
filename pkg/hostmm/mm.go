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
	"fmt"
	"sync"
	"sync/atomic"
)

var lastSpaceID atomic.Uint64

// File models the device inode's page cache relation: which file-offset
// pages currently have page-table entries installed, across every address
// space mapping the file. The driver tears entries down by file offset,
// which is what makes fork and move handling work.
//
// File methods are safe for concurrent use.
type File struct {
	mu   sync.Mutex
	ptes map[uint64]struct{}
}

// NewFile returns a File with no pages installed.
func NewFile() *File {
	return &File{ptes: make(map[uint64]struct{})}
}

// InstallPage installs a page-table entry for the page at the given file
// offset.
func (f *File) InstallPage(offset uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptes[PageRoundDown(offset)] = struct{}{}
}

// PageInstalled returns true if the page at the given file offset has an
// installed entry.
func (f *File) PageInstalled(offset uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ptes[PageRoundDown(offset)]
	return ok
}

// UnmapRange removes installed entries for every page in
// [offset, offset+length), in every address space mapping the file. This
// is the analog of unmap_mapping_range: it operates on file offsets, not
// virtual addresses.
func (f *File) UnmapRange(offset, length uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for off := PageRoundDown(offset); off < offset+length; off += PageSize {
		delete(f.ptes, off)
	}
}

// MM simulates one host process address space holding mappings of a
// device file. It drives the MappingOps callbacks in the host kernel's
// order. Structural operations (NewMapping, Split, Move, Fork, Unmap,
// Teardown) must be serialized by the caller per MM, as the host kernel
// serializes them under its per-process mapping lock; Fault may be called
// concurrently with other Faults.
type MM struct {
	id       AddressSpaceID
	exiting  bool
	mappings []*Mapping
}

// NewMM returns an empty address space with a unique ID.
func NewMM() *MM {
	return &MM{id: AddressSpaceID(lastSpaceID.Add(1))}
}

// ID returns the address space's ID.
func (mm *MM) ID() AddressSpaceID {
	return mm.id
}

// NewMapping creates a mapping of f at [start, start+length) with the
// given file offset and flags, then calls establish (the driver's mapping
// establishment entry point) on it. If establish fails the mapping is
// discarded, as the host discards a mapping whose mmap callback fails.
func (mm *MM) NewMapping(f *File, start, length, offset uint64, flags MappingFlags, establish func(*Mapping) error) (*Mapping, error) {
	if !IsPageAligned(start) || !IsPageAligned(length) || length == 0 {
		return nil, fmt.Errorf("unaligned mapping [%#x, %#x)", start, start+length)
	}
	m := &Mapping{
		Start:  start,
		End:    start + length,
		Offset: offset,
		Flags:  flags,
		mm:     mm,
		file:   f,
	}
	if err := establish(m); err != nil {
		return nil, err
	}
	mm.mappings = append(mm.mappings, m)
	return m, nil
}

// Split splits m at addr, modeling a partial unmap or reprotect. A new
// mapping covering [addr, m.End) is created with fields copied from m,
// Open is invoked on it while m still has its original bounds, and only
// then are m's bounds adjusted. Returns the new mapping.
//
// Preconditions: addr is page-aligned and strictly inside m.
func (mm *MM) Split(m *Mapping, addr uint64) *Mapping {
	if !IsPageAligned(addr) || addr <= m.Start || addr >= m.End {
		panic(fmt.Sprintf("bad split of [%#x, %#x) at %#x", m.Start, m.End, addr))
	}
	nm := &Mapping{
		Start:   addr,
		End:     m.End,
		Offset:  m.Offset + (addr - m.Start),
		Flags:   m.Flags,
		mm:      mm,
		file:    m.file,
		ops:     m.ops,
		private: m.private,
	}
	if nm.ops != nil {
		nm.ops.Open(nm)
	}
	m.End = addr
	mm.mappings = append(mm.mappings, nm)
	return nm
}

// Move moves m to newStart, modeling mremap. The new mapping keeps m's
// file offset (which therefore no longer matches its virtual start). Open
// is invoked on the new mapping, then Close on the old, in that order.
func (mm *MM) Move(m *Mapping, newStart uint64) *Mapping {
	nm := &Mapping{
		Start:   newStart,
		End:     newStart + m.Length(),
		Offset:  m.Offset,
		Flags:   m.Flags,
		mm:      mm,
		file:    m.file,
		ops:     m.ops,
		private: m.private,
	}
	if nm.ops != nil {
		nm.ops.Open(nm)
	}
	mm.remove(m)
	if m.ops != nil {
		m.ops.Close(m)
	}
	mm.mappings = append(mm.mappings, nm)
	return nm
}

// Fork duplicates m into the child address space, modeling fork. The
// host has already copied the parent's page-table entries by the time
// Open runs on the child mapping; the file-offset PTE model makes that
// implicit here.
func (child *MM) Fork(m *Mapping) *Mapping {
	nm := &Mapping{
		Start:   m.Start,
		End:     m.End,
		Offset:  m.Offset,
		Flags:   m.Flags,
		mm:      child,
		file:    m.file,
		ops:     m.ops,
		private: m.private,
	}
	if nm.ops != nil {
		nm.ops.Open(nm)
	}
	child.mappings = append(child.mappings, nm)
	return nm
}

// Unmap removes m, invoking its Close callback.
func (mm *MM) Unmap(m *Mapping) {
	mm.remove(m)
	if m.ops != nil {
		m.ops.Close(m)
	}
}

// Teardown tears the whole address space down, as on process exit:
// every remaining mapping is closed with the address space marked
// exiting.
func (mm *MM) Teardown() {
	mm.exiting = true
	for _, m := range mm.mappings {
		if m.ops != nil {
			m.ops.Close(m)
		}
	}
	mm.mappings = nil
}

// Fault dispatches a page fault at addr to the mapping covering it and
// installs the page on success. Returns the mapping's fault result, or
// FaultSigbus if no mapping covers addr.
func (mm *MM) Fault(addr uint64, write bool) FaultResult {
	m := mm.FindMapping(addr)
	if m == nil || m.ops == nil {
		return FaultSigbus
	}
	res := m.ops.Fault(m, addr, write)
	if res == FaultMinor || res == FaultMajor {
		m.file.InstallPage(m.Offset + (PageRoundDown(addr) - m.Start))
	}
	return res
}

// FindMapping returns the mapping covering addr, or nil.
func (mm *MM) FindMapping(addr uint64) *Mapping {
	for _, m := range mm.mappings {
		if addr >= m.Start && addr < m.End {
			return m
		}
	}
	return nil
}

func (mm *MM) remove(m *Mapping) {
	for i, cur := range mm.mappings {
		if cur == m {
			mm.mappings = append(mm.mappings[:i], mm.mappings[i+1:]...)
			return
		}
	}
}
