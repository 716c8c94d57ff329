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
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// LeakCheckLevel selects how much the allocator tracks about live
// allocations. It is read once at Allocator construction.
type LeakCheckLevel int

const (
	// LeakCheckNone disables leak tracking entirely.
	LeakCheckNone LeakCheckLevel = iota

	// LeakCheckBytes tracks only the aggregate count of outstanding
	// bytes.
	LeakCheckBytes

	// LeakCheckOrigin additionally records every allocation's call-site
	// origin in an ordered index keyed by address.
	LeakCheckOrigin
)

// LeakDetectedBit is the diagnostic bit set in the shared unload-state
// word when outstanding allocations remain at shutdown.
const LeakDetectedBit = uint64(1) << 0

// allocInfo is one live allocation's origin record.
type allocInfo struct {
	addr Addr
	origin
}

func allocInfoLess(a, b *allocInfo) bool {
	return a.addr < b.addr
}

// infoAllocFailed, when set by tests, simulates transient failure to
// allocate an origin record: the allocation proceeds untracked.
var infoAllocFailed func() bool

// leakChecker tracks outstanding allocations. Its lock is a leaf lock,
// held only for O(1) index operations.
type leakChecker struct {
	level LeakCheckLevel

	// bytesAllocated is the aggregate count of outstanding bytes.
	bytesAllocated atomic.Int64

	// untracked counts allocations whose origin record could not be
	// allocated. Used to explain a nonzero residual at shutdown.
	untracked atomic.Int64

	mu    sync.Mutex
	infos *btree.BTreeG[*allocInfo]
}

func (lc *leakChecker) init(level LeakCheckLevel) {
	lc.level = level
	if level >= LeakCheckOrigin {
		lc.infos = btree.NewG(8, allocInfoLess)
	}
}

func (lc *leakChecker) enabled() bool {
	return lc.level > LeakCheckNone
}

// add records the allocation at p. Bytes are accounted at the usable
// size, since that is what remove will see at free time.
func (lc *leakChecker) add(a *Allocator, p Addr, org origin) {
	if !lc.enabled() {
		return
	}
	lc.bytesAllocated.Add(int64(a.Size(p)))

	if lc.level >= LeakCheckOrigin {
		if infoAllocFailed != nil && infoAllocFailed() {
			lc.untracked.Add(1)
			return
		}
		lc.insert(&allocInfo{addr: p, origin: org})
	}
}

func (lc *leakChecker) insert(info *allocInfo) {
	lc.mu.Lock()
	_, dup := lc.infos.ReplaceOrInsert(info)
	lc.mu.Unlock()
	if dup {
		panic("duplicate allocation tracking entry")
	}
}

// remove drops the accounting for the allocation at p.
func (lc *leakChecker) remove(a *Allocator, p Addr) {
	if !lc.enabled() {
		return
	}
	lc.bytesAllocated.Add(-int64(a.Size(p)))

	if lc.level >= LeakCheckOrigin {
		lc.takeInfo(p)
	}
}

// takeInfo removes and returns p's origin record. A missing record means
// the allocation went untracked; the untracked count is adjusted.
func (lc *leakChecker) takeInfo(p Addr) *allocInfo {
	lc.mu.Lock()
	info, ok := lc.infos.Delete(&allocInfo{addr: p})
	lc.mu.Unlock()
	if !ok {
		if lc.untracked.Add(-1) < 0 {
			panic("untracked allocation count underflow")
		}
		return nil
	}
	return info
}

// detach removes p's accounting ahead of a reallocation, returning the
// origin record so that a failed reallocation can restore it.
func (lc *leakChecker) detach(p Addr, oldSize uintptr) *allocInfo {
	if !lc.enabled() {
		return nil
	}
	lc.bytesAllocated.Add(-int64(oldSize))
	if lc.level >= LeakCheckOrigin {
		return lc.takeInfo(p)
	}
	return nil
}

// reattach restores accounting removed by detach after a failed
// reallocation.
func (lc *leakChecker) reattach(info *allocInfo, oldSize uintptr) {
	if !lc.enabled() {
		return
	}
	lc.bytesAllocated.Add(int64(oldSize))
	if lc.level >= LeakCheckOrigin {
		if info != nil {
			lc.insert(info)
		} else {
			lc.untracked.Add(1)
		}
	}
}

// Close shuts the allocator down and reports leaks. If any bytes remain
// outstanding, the leak is logged and the LeakDetectedBit is set in
// unload (if non-nil). With origin tracking, every leaked allocation is
// logged with its size and origin and then freed, so that debugging runs
// don't compound the leak; afterwards the aggregate must be zero unless
// untracked allocations explain the residual.
//
// Close is diagnostic-only: it never fails.
func (a *Allocator) Close(unload *atomic.Uint64) {
	lc := &a.leak

	if outstanding := lc.bytesAllocated.Load(); outstanding > 0 {
		hint := ""
		if lc.level < LeakCheckOrigin {
			hint = "; enable origin tracking for details"
		}
		logrus.WithField("bytes", outstanding).Errorf("memory leak detected%s", hint)
		if unload != nil {
			unload.Or(LeakDetectedBit)
		}
	}

	if lc.level >= LeakCheckOrigin {
		// Snapshot first: Free mutates the index.
		var leaked []*allocInfo
		lc.mu.Lock()
		lc.infos.Ascend(func(info *allocInfo) bool {
			leaked = append(leaked, info)
			return true
		})
		lc.mu.Unlock()

		for _, info := range leaked {
			logrus.WithFields(logrus.Fields{
				"addr":  info.addr,
				"bytes": a.Size(info.addr),
			}).Errorf("leaked allocation from %s:%d:%s",
				filepath.Base(info.file), info.line, info.function)
			a.Free(info.addr)
		}

		if lc.untracked.Load() == 0 && lc.bytesAllocated.Load() != 0 {
			panic("allocation bytes outstanding after leak cleanup")
		}
	}
}
