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

package varange

import (
	"fmt"

	"github.com/google/btree"

	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
)

func rangeLess(a, b *Range) bool {
	return a.Start < b.Start
}

// Table is the ordered index of an address space's range records, keyed
// by start address.
type Table struct {
	alloc *memalloc.Allocator
	tree  *btree.BTreeG[*Range]
}

// NewTable returns an empty Table using a for payload storage.
func NewTable(a *memalloc.Allocator) *Table {
	return &Table{
		alloc: a,
		tree:  btree.NewG(8, rangeLess),
	}
}

// Empty returns true if the table holds no ranges.
func (t *Table) Empty() bool {
	return t.tree.Len() == 0
}

// Find returns the range containing addr, or nil.
func (t *Table) Find(addr uint64) *Range {
	var found *Range
	t.tree.DescendLessOrEqual(&Range{Start: addr}, func(r *Range) bool {
		found = r
		return false
	})
	if found != nil && found.End >= addr {
		return found
	}
	return nil
}

// FindInterval calls f for each range intersecting [start, end],
// inclusive bounds, in address order, until f returns false.
func (t *Table) FindInterval(start, end uint64, f func(*Range) bool) {
	if first := t.Find(start); first != nil {
		if !f(first) {
			return
		}
		start = first.Start
	}
	t.tree.AscendGreaterOrEqual(&Range{Start: start + 1}, func(r *Range) bool {
		if r.Start > end {
			return false
		}
		return f(r)
	})
}

// FindIntervalSafe is FindInterval over a pre-collected snapshot, safe
// against f removing or destroying any range, including the one being
// visited. Used by teardown.
func (t *Table) FindIntervalSafe(start, end uint64, f func(*Range) bool) {
	var ranges []*Range
	t.FindInterval(start, end, func(r *Range) bool {
		ranges = append(ranges, r)
		return true
	})
	for _, r := range ranges {
		if !f(r) {
			return
		}
	}
}

// All calls f for every range in address order, over a snapshot safe
// against removal of visited entries.
func (t *Table) All(f func(*Range) bool) {
	var ranges []*Range
	t.tree.Ascend(func(r *Range) bool {
		ranges = append(ranges, r)
		return true
	})
	for _, r := range ranges {
		if !f(r) {
			return
		}
	}
}

// Insert adds r to the table. Any overlap with an existing range is
// rejected with ErrAddressInUse; the caller distinguishes the legitimate
// exact-semaphore-pool collision from bugs by looking the conflicting
// range up.
func (t *Table) Insert(r *Range) error {
	if r.End < r.Start {
		return status.ErrInvalidArgument
	}
	var conflict *Range
	t.tree.DescendLessOrEqual(&Range{Start: r.End}, func(c *Range) bool {
		conflict = c
		return false
	})
	if conflict != nil && conflict.End >= r.Start {
		return status.ErrAddressInUse
	}
	t.tree.ReplaceOrInsert(r)
	return nil
}

// Split splits r into [r.Start, newEnd] and [newEnd+1, r.End] at the
// inclusive boundary newEnd, preserving kind payload in both halves. On
// error the table and r are unchanged.
//
// Preconditions: r is in the table; newEnd is a page boundary minus one,
// strictly inside r.
func (t *Table) Split(r *Range, newEnd uint64) (*Range, error) {
	if newEnd < r.Start || newEnd >= r.End {
		panic(fmt.Sprintf("split of %v at %#x out of bounds", r, newEnd))
	}
	nr, err := r.splitPayload(t.alloc, newEnd)
	if err != nil {
		return nil, err
	}
	r.End = newEnd
	t.tree.ReplaceOrInsert(nr)
	return nr, nil
}

// Remove takes r out of the table. The payload is not destroyed.
func (t *Table) Remove(r *Range) {
	if _, ok := t.tree.Delete(r); !ok {
		panic(fmt.Sprintf("remove of %v not in table", r))
	}
}
