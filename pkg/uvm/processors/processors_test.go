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

package processors

import "testing"

func TestIDString(t *testing.T) {
	for _, test := range []struct {
		id   ID
		want string
	}{
		{CPU, "cpu"},
		{1, "gpu1"},
		{63, "gpu63"},
	} {
		if got := test.id.String(); got != test.want {
			t.Errorf("ID(%d).String(): got %q, want %q", test.id, got, test.want)
		}
	}
}

func TestMask(t *testing.T) {
	var m Mask
	if !m.Empty() {
		t.Error("zero mask not empty")
	}
	m.Set(3)
	m.Set(17)
	if m.Empty() {
		t.Error("mask with members reports empty")
	}
	if !m.Test(3) || !m.Test(17) || m.Test(4) {
		t.Errorf("membership: got (3:%t, 17:%t, 4:%t), want (true, true, false)", m.Test(3), m.Test(17), m.Test(4))
	}

	var seen []ID
	m.ForEach(func(id ID) bool {
		seen = append(seen, id)
		return true
	})
	if len(seen) != 2 || seen[0] != 3 || seen[1] != 17 {
		t.Errorf("ForEach visited %v, want [3 17]", seen)
	}

	var first []ID
	m.ForEach(func(id ID) bool {
		first = append(first, id)
		return false
	})
	if len(first) != 1 || first[0] != 3 {
		t.Errorf("early-stop ForEach visited %v, want [3]", first)
	}
}
