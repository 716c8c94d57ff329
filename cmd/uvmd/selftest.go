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

package main

import (
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"uvmd.dev/uvmd/pkg/hostmm"
	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/driver"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
	"uvmd.dev/uvmd/pkg/uvm/tools"
)

const selftestBase = uint64(0x4000_0000)

// selftestCmd runs an end-to-end workload against an in-process driver
// core and verifies it shuts down without leaks.
type selftestCmd struct {
	pages     uint
	leakCheck string
}

// Name implements subcommands.Command.Name.
func (*selftestCmd) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*selftestCmd) Synopsis() string {
	return "run an end-to-end fault and migration workload"
}

// Usage implements subcommands.Command.Usage.
func (*selftestCmd) Usage() string {
	return "selftest [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *selftestCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.pages, "pages", 64, "pages in the managed mapping")
	f.StringVar(&c.leakCheck, "leak-check", "origin", "allocator leak checking: none, bytes, origin")
}

// Execute implements subcommands.Command.Execute.
func (c *selftestCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	level, err := parseLeakCheck(c.leakCheck)
	if err != nil {
		logrus.WithError(err).Error("bad -leak-check")
		return subcommands.ExitUsageError
	}
	if err := runWorkload(level, tools.Nop{}, uint64(c.pages)); err != nil {
		logrus.WithError(err).Error("selftest failed")
		return subcommands.ExitFailure
	}
	fmt.Println("selftest passed")
	return subcommands.ExitSuccess
}

func parseLeakCheck(s string) (memalloc.LeakCheckLevel, error) {
	switch s {
	case "none":
		return memalloc.LeakCheckNone, nil
	case "bytes":
		return memalloc.LeakCheckBytes, nil
	case "origin":
		return memalloc.LeakCheckOrigin, nil
	}
	return 0, fmt.Errorf("unknown leak-check level %q", s)
}

// openSession opens a session, retrying with exponential backoff while
// the driver reports BUSY_RETRY.
func openSession(g *driver.Global) (*driver.Session, error) {
	var s *driver.Session
	open := func() error {
		var err error
		s, err = g.Open()
		if err == status.ErrBusyRetry {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	if err := backoff.Retry(open, policy); err != nil {
		return nil, err
	}
	return s, nil
}

// runWorkload drives the full lifecycle: session open, mapping
// establishment, CPU faults, a round trip through GPU residency, a
// semaphore pool, and a leak-checked shutdown.
func runWorkload(level memalloc.LeakCheckLevel, sink tools.EventSink, pages uint64) error {
	g := driver.New(driver.Config{LeakCheck: level, Sink: sink})
	var unload atomic.Uint64
	if err := g.RegisterUnloadState(&unload); err != nil {
		return err
	}

	s, err := openSession(g)
	if err != nil {
		return err
	}
	if err := s.Initialize(0); err != nil {
		return err
	}

	gpu := &driver.GPU{ID: 1, CheckECC: func() error { return nil }}
	if err := s.RegisterGPU(gpu); err != nil {
		return err
	}

	mm := hostmm.NewMM()
	file := hostmm.NewFile()
	length := pages * hostmm.PageSize
	m, err := mm.NewMapping(file, selftestBase, length, selftestBase, hostmm.FlagShared|hostmm.FlagRead|hostmm.FlagWrite, s.EstablishMapping)
	if err != nil {
		return err
	}

	for addr := selftestBase; addr < selftestBase+length; addr += hostmm.PageSize {
		if res := mm.Fault(addr, true); res != hostmm.FaultMinor {
			return fmt.Errorf("populating fault at %#x: %v", addr, res)
		}
	}

	moved, err := s.Migrate(selftestBase, length, gpu.ID)
	if err != nil {
		return err
	}
	logrus.WithField("pages", moved).Debug("migrated to gpu")

	file.UnmapRange(selftestBase, length)
	for addr := selftestBase; addr < selftestBase+length; addr += hostmm.PageSize {
		if res := mm.Fault(addr, false); res != hostmm.FaultMajor {
			return fmt.Errorf("migrating fault at %#x: %v", addr, res)
		}
	}

	if pages >= 2 && pages%2 == 0 {
		mm.Split(m, selftestBase+length/2)
		left, err := s.Lookup(selftestBase)
		if err != nil {
			return err
		}
		right, err := s.Lookup(selftestBase + length/2)
		if err != nil {
			return err
		}
		if left.End+1 != right.Start {
			return fmt.Errorf("split left a gap: left ends %#x, right starts %#x", left.End, right.Start)
		}
	}

	child := hostmm.NewMM()
	child.Fork(m)
	if res := child.Fault(selftestBase, false); res != hostmm.FaultSigbus {
		return fmt.Errorf("forked mapping fault: got %v, want %v", res, hostmm.FaultSigbus)
	}
	if res := mm.Fault(selftestBase, false); res != hostmm.FaultMinor {
		return fmt.Errorf("parent fault after fork: %v", res)
	}
	child.Teardown()

	poolBase := selftestBase + 2*length
	if err := s.AllocSemaphorePool(poolBase, hostmm.PageSize); err != nil {
		return err
	}
	if _, err := mm.NewMapping(file, poolBase, hostmm.PageSize, poolBase, hostmm.FlagShared|hostmm.FlagRead|hostmm.FlagWrite, s.EstablishMapping); err != nil {
		return err
	}
	if res := mm.Fault(poolBase, false); res != hostmm.FaultMinor {
		return fmt.Errorf("semaphore pool fault: %v", res)
	}

	mm.Teardown()
	s.Release()
	g.Close()

	if unload.Load()&memalloc.LeakDetectedBit != 0 {
		return fmt.Errorf("allocator leak detected, unload state %#x", unload.Load())
	}
	return nil
}
