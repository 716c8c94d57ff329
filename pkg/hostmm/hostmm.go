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

// Package hostmm models the host kernel's memory-management view of device
// mappings: the mapping objects themselves, the per-mapping operation
// callbacks the driver installs, and the fault-outcome vocabulary the host
// expects back from a fault callback.
//
// The driver core only ever sees the Mapping and MappingOps types; MM and
// File form an in-process host simulator driving the callbacks in the
// host kernel's order, used by tests and cmd/uvmd.
package hostmm

// PageSize is the host page size. The simulator models a single fixed
// page size.
const PageSize = 4096

// PageRoundDown returns addr rounded down to the nearest page boundary.
func PageRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageRoundUp returns addr rounded up to the nearest page boundary.
// It does not check for overflow.
func PageRoundUp(addr uint64) uint64 {
	return PageRoundDown(addr + PageSize - 1)
}

// IsPageAligned returns true if addr is a multiple of PageSize.
func IsPageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

// AddressSpaceID identifies one host process address space. Mappings
// created by fork carry the child's ID; the driver uses the ID to detect
// fork.
type AddressSpaceID uint64

// MappingFlags are the access and behavior flags of a Mapping.
type MappingFlags uint32

// Mapping flags. Read, Write and Shared are requested by the caller;
// MixedMap and DontExpand are set by the driver at establishment.
const (
	FlagRead MappingFlags = 1 << iota
	FlagWrite
	FlagShared
	FlagMixedMap
	FlagDontExpand
)

// FaultResult is the host's fault-outcome vocabulary, returned by
// MappingOps.Fault.
type FaultResult int

const (
	// FaultRetry asks the host to retry the access later; no page was
	// installed. Used for transient conditions (suspend in progress).
	FaultRetry FaultResult = iota

	// FaultMinor reports the fault resolved without data movement.
	FaultMinor

	// FaultMajor reports the fault resolved with data migration.
	FaultMajor

	// FaultOOM reports that fault resolution failed for lack of memory.
	FaultOOM

	// FaultSigbus reports a fatal fault; the host signals the accessing
	// context.
	FaultSigbus
)

// String implements fmt.Stringer.String.
func (r FaultResult) String() string {
	switch r {
	case FaultRetry:
		return "retry"
	case FaultMinor:
		return "minor"
	case FaultMajor:
		return "major"
	case FaultOOM:
		return "oom"
	case FaultSigbus:
		return "sigbus"
	default:
		return "unknown"
	}
}

// MappingOps are the per-mapping callbacks the driver installs on a
// Mapping. The host invokes Open on the new mapping before Close on the
// old one when a mapping is split, moved or duplicated, and invokes all
// structural callbacks while holding the address space's mapping lock in
// write mode.
type MappingOps interface {
	// Open notifies that m was created by duplicating an existing
	// mapping (split, move or fork). m's fields, including its private
	// data, were copied from the original before Open is called.
	Open(m *Mapping)

	// Close notifies that m is being removed (unmap, move, or address
	// space teardown).
	Close(m *Mapping)

	// Fault resolves an access to addr within m. write is true for
	// write accesses.
	Fault(m *Mapping, addr uint64, write bool) FaultResult
}

// Mapping is one host VM mapping of the device file.
//
// Start and End are the virtual bounds ([Start, End), page-aligned).
// Offset is the file offset of Start. Structural fields are owned by the
// MM the mapping belongs to and mutated only under its structural
// serialization; the driver mutates only the ops and private fields, and
// only from within MappingOps callbacks or mapping establishment.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Flags  MappingFlags

	mm      *MM
	file    *File
	ops     MappingOps
	private any
}

// Length returns the length of the mapping in bytes.
func (m *Mapping) Length() uint64 {
	return m.End - m.Start
}

// Space returns the ID of the address space the mapping belongs to.
func (m *Mapping) Space() AddressSpaceID {
	return m.mm.id
}

// Exiting returns true if the owning address space is being torn down,
// i.e. the current callback runs from process teardown rather than an
// explicit unmap.
func (m *Mapping) Exiting() bool {
	return m.mm.exiting
}

// File returns the host file the mapping maps.
func (m *Mapping) File() *File {
	return m.file
}

// SetOps installs the mapping's operation callbacks.
func (m *Mapping) SetOps(ops MappingOps) {
	m.ops = ops
}

// Ops returns the mapping's installed operation callbacks.
func (m *Mapping) Ops() MappingOps {
	return m.ops
}

// SetPrivate attaches driver-private data to the mapping.
func (m *Mapping) SetPrivate(p any) {
	m.private = p
}

// Private returns the mapping's driver-private data.
func (m *Mapping) Private() any {
	return m.private
}

// HasFlags returns true if all of the given flags are set on m.
func (m *Mapping) HasFlags(flags MappingFlags) bool {
	return m.Flags&flags == flags
}
