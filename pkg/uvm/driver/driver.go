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

// Package driver implements the driver core: global services, the
// device session gateway, the mapping lifecycle controller and the
// fault resolution engine.
//
// Lock hierarchy, outer to inner: the power-management lock (read mode
// for nearly everything; write mode only for Suspend/Resume), the
// per-address-space lock, then leaf allocator and pool locks. No lock
// is held across a returned error, and nothing blocks while holding a
// leaf lock.
package driver

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"uvmd.dev/uvmd/pkg/status"
	"uvmd.dev/uvmd/pkg/uvm/block"
	"uvmd.dev/uvmd/pkg/uvm/memalloc"
	"uvmd.dev/uvmd/pkg/uvm/processors"
	"uvmd.dev/uvmd/pkg/uvm/tools"
)

// Config configures a Global.
type Config struct {
	// LeakCheck is the allocator leak-checking level, read once here.
	LeakCheck memalloc.LeakCheckLevel

	// Sink receives telemetry events. Defaults to tools.Nop.
	Sink tools.EventSink

	// ReleaseWorkers bounds the deferred-release worker pool. Defaults
	// to 2.
	ReleaseWorkers int

	// ReleaseQueueDepth bounds the deferred-release task queue.
	// Defaults to 64.
	ReleaseQueueDepth int

	// SmallHeapCapacity and LargeHeapCapacity bound the allocator's
	// heaps; 0 means unlimited.
	SmallHeapCapacity uint64
	LargeHeapCapacity uint64
}

// GPU is one registered GPU's driver-visible state and hooks.
type GPU struct {
	// ID is the GPU's processor ID, assigned by the caller at
	// registration. Must be a GPU ID (nonzero).
	ID processors.ID

	// CheckECC checks the GPU's memory for uncorrectable errors. May
	// block; never called with the address-space lock held. Optional.
	CheckECC func() error

	// StopChannels stops the GPU's user channels ahead of teardown.
	// Optional.
	StopChannels func()

	// NeedsFaultBufferFlush is set when ranges under the GPU's VA
	// space are destroyed, so stale fault-buffer entries can't be
	// attributed to reallocated ranges.
	NeedsFaultBufferFlush atomic.Bool
}

// Global is the set of process-wide driver services. It is explicitly
// constructed and passed by handle; there are no ambient statics. The
// allocator outlives every other service: it is constructed first and
// closed last.
type Global struct {
	alloc *memalloc.Allocator
	sink  tools.EventSink

	// pm is the power-management lock. Everything but Suspend/Resume
	// takes it in read mode, and the fault, open and ioctl paths only
	// ever try-acquire it, so they never block on a suspend in
	// progress.
	pm sync.RWMutex

	// fatal, when non-nil, is the global error state; every entry
	// point fails fast with it.
	fatal atomic.Pointer[status.Error]

	svcPool servicePool

	// unload is the optional shared diagnostic word, registered at
	// most once and written at shutdown.
	unloadMu sync.Mutex
	unload   *atomic.Uint64

	releaseTasks   chan func()
	releaseWorkers errgroup.Group
}

// New constructs the global services in dependency order.
func New(cfg Config) *Global {
	if cfg.Sink == nil {
		cfg.Sink = tools.Nop{}
	}
	if cfg.ReleaseWorkers <= 0 {
		cfg.ReleaseWorkers = 2
	}
	if cfg.ReleaseQueueDepth <= 0 {
		cfg.ReleaseQueueDepth = 64
	}

	g := &Global{
		alloc: memalloc.New(memalloc.Config{
			LeakCheck:     cfg.LeakCheck,
			SmallCapacity: cfg.SmallHeapCapacity,
			LargeCapacity: cfg.LargeHeapCapacity,
		}),
		sink:         cfg.Sink,
		releaseTasks: make(chan func(), cfg.ReleaseQueueDepth),
	}
	g.svcPool.init()

	for i := 0; i < cfg.ReleaseWorkers; i++ {
		g.releaseWorkers.Go(func() error {
			for task := range g.releaseTasks {
				task()
			}
			return nil
		})
	}
	return g
}

// Allocator returns the global tracking allocator.
func (g *Global) Allocator() *memalloc.Allocator {
	return g.alloc
}

// Status returns the global error state, nil while operational.
func (g *Global) Status() error {
	if err := g.fatal.Load(); err != nil {
		return err
	}
	return nil
}

// SetFatal moves the driver into a global error state. Entry points
// fail fast from then on.
func (g *Global) SetFatal(err *status.Error) {
	g.fatal.Store(err)
}

// RegisterUnloadState registers the shared diagnostic word, written at
// shutdown. At most one registration is allowed.
func (g *Global) RegisterUnloadState(w *atomic.Uint64) error {
	g.unloadMu.Lock()
	defer g.unloadMu.Unlock()
	if g.unload != nil {
		return status.ErrInvalidState
	}
	g.unload = w
	return nil
}

// Suspend takes the power-management lock in write mode, stalling new
// sessions, faults and ioctls (they observe BUSY_RETRY) until Resume.
func (g *Global) Suspend() {
	g.pm.Lock()
}

// Resume releases the power-management lock taken by Suspend. Deferred
// release tasks blocked on the lock proceed.
func (g *Global) Resume() {
	g.pm.Unlock()
}

// submitDeferred queues task on the deferred-release pool without
// blocking the caller.
func (g *Global) submitDeferred(task func()) {
	select {
	case g.releaseTasks <- task:
	default:
		// The queue is sized for the worst realistic burst of
		// releases during one suspend; overflowing it is a bug.
		panic("deferred release queue overflow")
	}
}

// Close shuts the driver down: drains the deferred-release pool, then
// closes the allocator, reporting leaks into the registered unload
// state. The allocator goes down last.
func (g *Global) Close() {
	close(g.releaseTasks)
	g.releaseWorkers.Wait()

	g.unloadMu.Lock()
	unload := g.unload
	g.unloadMu.Unlock()
	g.alloc.Close(unload)

	logrus.Debug("driver core shut down")
}

// servicePool is the free list of fault service contexts. Its lock is a
// leaf lock, held only for list operations.
type servicePool struct {
	mu   sync.Mutex
	free []*block.ServiceContext
}

// preallocatedServiceContexts is the number of contexts kept ready for
// CPU faults before falling back to heap allocation.
const preallocatedServiceContexts = 4

func (p *servicePool) init() {
	for i := 0; i < preallocatedServiceContexts; i++ {
		p.free = append(p.free, &block.ServiceContext{})
	}
}

// get returns a context from the pool, falling back to a fresh
// allocation when the pool is empty. Callers must Reset it.
func (p *servicePool) get() *block.ServiceContext {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		svc := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return svc
	}
	p.mu.Unlock()
	return &block.ServiceContext{}
}

// put returns a context to the pool.
func (p *servicePool) put(svc *block.ServiceContext) {
	p.mu.Lock()
	p.free = append(p.free, svc)
	p.mu.Unlock()
}
