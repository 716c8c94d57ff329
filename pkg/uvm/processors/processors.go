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

// Package processors defines processor identifiers and processor sets
// for the driver core.
package processors

import "fmt"

// ID identifies one processor. The CPU is ID 0; GPUs are 1 through
// MaxGPUs.
type ID uint8

// CPU is the CPU's processor ID.
const CPU ID = 0

// MaxGPUs is the largest supported number of GPUs.
const MaxGPUs = 63

// IsGPU returns true if id identifies a GPU.
func (id ID) IsGPU() bool {
	return id != CPU
}

// String implements fmt.Stringer.String.
func (id ID) String() string {
	if id == CPU {
		return "cpu"
	}
	return fmt.Sprintf("gpu%d", uint8(id))
}

// Mask is a set of processors.
type Mask uint64

// Set adds id to the mask.
func (m *Mask) Set(id ID) {
	*m |= 1 << id
}

// Test returns true if id is in the mask.
func (m Mask) Test(id ID) bool {
	return m&(1<<id) != 0
}

// Empty returns true if the mask contains no processors.
func (m Mask) Empty() bool {
	return m == 0
}

// ForEach calls f for each processor in the mask, in ID order, until f
// returns false.
func (m Mask) ForEach(f func(ID) bool) {
	for id := ID(0); id <= MaxGPUs; id++ {
		if m.Test(id) {
			if !f(id) {
				return
			}
		}
	}
}
