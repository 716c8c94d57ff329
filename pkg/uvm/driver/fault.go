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

package driver

import (
	"time"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/processors"
	"uvmd.dev/uvmd/pkg/uvm/tools"
)

// resolveFault services one CPU fault at addr. It never blocks on the
// power-management lock: a suspend in progress makes the host retry
// the fault later. Throttle naps happen with the address-space lock
// dropped; the faulting thread holds no driver lock while it sleeps.
func (s *Session) resolveFault(addr uint64, write bool) hostmm.FaultResult {
	g := s.g
	if err := g.Status(); err != nil {
		return faultResultFor(err, false)
	}
	if !g.pm.TryRLock() {
		return hostmm.FaultRetry
	}
	defer g.pm.RUnlock()

	svc := g.svcPool.get()
	svc.Reset()

	space := s.space
	var err error
	space.Mu.RLock()
	for first := true; ; first = false {
		if !first {
			// Throttled. Nap past the wakeup time, then take a fresh
			// run at the page. The sink sees exactly one start/end
			// pair per nap.
			nap := time.Until(svc.WakeupTime)
			throttled := nap > 0
			if throttled {
				g.sink.RecordThrottlingStart(addr, processors.CPU)
			}
			space.Mu.RUnlock()
			if throttled {
				// Coarse sleep; overshooting the wakeup time is fine,
				// waking early is not.
				time.Sleep(nap + nap/2)
			}
			space.Mu.RLock()
			if throttled {
				g.sink.RecordThrottlingEnd(addr, processors.CPU)
			}
		}

		b, e := space.FindCreateBlock(addr)
		if e != nil {
			err = e
			break
		}
		err = b.CPUFault(g.alloc, addr, write, svc)
		if err != status.ErrMoreProcessing {
			break
		}
	}

	if err != nil {
		g.sink.RecordCPUFatalFault(addr, write, tools.FatalReasonFor(status.CodeOf(err)))
	}
	eccCheck := svc.ECCCheck
	space.Mu.RUnlock()

	// ECC hooks can stall on the device; never run them under the
	// address-space lock. An error found here turns an otherwise
	// serviced fault fatal.
	if err == nil && !eccCheck.Empty() {
		err = s.checkECC(eccCheck)
	}

	g.sink.Flush()
	major := svc.DidMigrate
	g.svcPool.put(svc)
	return faultResultFor(err, major)
}

// faultResultFor translates a servicing status into the host-visible
// fault disposition. major only applies to a serviced fault.
func faultResultFor(err error, major bool) hostmm.FaultResult {
	switch status.CodeOf(err) {
	case status.CodeOK:
		if major {
			return hostmm.FaultMajor
		}
		return hostmm.FaultMinor
	case status.CodeBusyRetry:
		return hostmm.FaultRetry
	case status.CodeNoMemory:
		return hostmm.FaultOOM
	default:
		return hostmm.FaultSigbus
	}
}
