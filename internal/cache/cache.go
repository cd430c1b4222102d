// Copyright 2024 Google LLC
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

// Package cache implements the write-back buffer cache that sits between
// the filesystem layers and the block device. Every sector access in the
// filesystem goes through a pinned cache handle; the cache is the only
// component that touches the device.
//
// Concurrency design, per slot:
//
//   - A slot mutex guards the slot's metadata (sector binding, flags,
//     waiter count).
//   - A shared lock, interlocked by the slot mutex, guards the slot's data
//     page. Holding it in any mode pins the slot to its sector.
//   - A load mutex serializes the demand read that first populates the
//     page, so concurrent sharers cannot race on it.
//
// The waiter count is the bridge between lookup and eviction: a thread that
// found its sector in a slot bumps waiters before blocking on the shared
// lock, and the evictor refuses to re-sector any slot whose waiter count is
// non-zero, both before starting and again after its write-back I/O.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/clock"
	"github.com/FlappyCode/sectorfs/internal/locker"
	"github.com/FlappyCode/sectorfs/internal/logger"
	"github.com/FlappyCode/sectorfs/internal/monitor"
	"github.com/FlappyCode/sectorfs/internal/util"
)

const (
	// DefaultSlotCount is the number of slots a cache has unless configured
	// otherwise.
	DefaultSlotCount = 64

	// DefaultFlushInterval is how often the flush daemon writes dirty pages
	// back to the device.
	DefaultFlushInterval = 20 * time.Second

	// How long an acquire sleeps after a full clock scan finds no victim.
	contentionBackoff = 100 * time.Millisecond
)

// emptySector marks a slot that currently backs no sector. Distinct from
// the zero SectorID, which is a valid device sector (the superblock).
const emptySector = ^blockdev.SectorID(0)

// A slot binds one device sector to an in-memory page.
type slot struct {
	// Guards sector, waiters and the flags below.
	mu sync.Mutex

	// Guards the data page. Interlocked by mu.
	sl *locker.SharedLock

	// Serializes the demand load in Handle.Data.
	loadMu sync.Mutex

	// The sector this slot backs, or emptySector.
	//
	// INVARIANT: sector == emptySector => !hasData && !dirty
	//
	// May be changed only while holding both mu and sl exclusively, and
	// only when waiters == 0.
	//
	// GUARDED_BY(mu)
	sector blockdev.SectorID

	// Whether the page holds the sector's content.
	//
	// INVARIANT: dirty => hasData
	//
	// GUARDED_BY(mu)
	hasData bool

	// Whether the page differs from the device.
	//
	// GUARDED_BY(mu)
	dirty bool

	// Clock-algorithm reference bit.
	//
	// GUARDED_BY(mu)
	accessed bool

	// Number of threads pinning this slot between finding it in the lookup
	// pass and holding sl. While non-zero the slot must keep its sector.
	//
	// GUARDED_BY(mu)
	waiters int

	// The page. Content is guarded by sl (plus loadMu during the first
	// load).
	data [blockdev.SectorSize]byte
}

// Config carries the knobs for New. The zero value gives a 64-slot cache
// with no flush daemon, a real clock and no metrics.
type Config struct {
	// Number of slots. 0 means DefaultSlotCount.
	SlotCount int

	// Interval between periodic flushes. 0 disables the flush daemon.
	FlushInterval time.Duration

	// Clock used by the flush daemon. nil means the system clock.
	Clock clock.Clock

	// Metrics sink. nil discards all events.
	Metrics monitor.CacheMetrics
}

// A Cache is a fixed-size write-back sector cache over a block device with
// clock-hand eviction, a read-ahead daemon and an optional periodic flush
// daemon. Stop it when done so the daemons exit.
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev     blockdev.Device
	clock   clock.Clock
	metrics monitor.CacheMetrics

	/////////////////////////
	// Constant data
	/////////////////////////

	flushInterval time.Duration

	slots []*slot

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards hand. Never held across device I/O.
	handMu sync.Mutex

	// The clock hand: index of the slot most recently probed for eviction.
	//
	// GUARDED_BY(handMu)
	hand int

	// Guards the read-ahead queue and stopped.
	raMu sync.Mutex

	// Signalled when the queue becomes non-empty or the cache stops.
	raCond sync.Cond

	// GUARDED_BY(raMu)
	raQueue *util.Queue[blockdev.SectorID]

	// GUARDED_BY(raMu)
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache over dev and starts its daemons.
func New(dev blockdev.Device, cfg Config) *Cache {
	if cfg.SlotCount == 0 {
		cfg.SlotCount = DefaultSlotCount
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitor.NewNoopCacheMetrics()
	}

	c := &Cache{
		dev:           dev,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		flushInterval: cfg.FlushInterval,
		slots:         make([]*slot, cfg.SlotCount),
		hand:          -1,
		raQueue:       util.NewQueue[blockdev.SectorID](),
		stopCh:        make(chan struct{}),
	}
	for i := range c.slots {
		s := &slot{sector: emptySector}
		s.sl = locker.NewSharedLock(&s.mu)
		c.slots[i] = s
	}
	c.raCond.L = &c.raMu

	c.wg.Add(1)
	go c.readaheadDaemon()
	if c.flushInterval > 0 {
		c.wg.Add(1)
		go c.flushDaemon()
	}

	return c
}

// Stop shuts down the daemons and waits for them to exit. It does not
// flush; callers that care about dirty pages flush first.
func (c *Cache) Stop() {
	c.raMu.Lock()
	if c.stopped {
		c.raMu.Unlock()
		return
	}
	c.stopped = true
	c.raCond.Broadcast()
	c.raMu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

// SlotCount returns the number of slots in the cache.
func (c *Cache) SlotCount() int {
	return len(c.slots)
}

////////////////////////////////////////////////////////////////////////
// Acquire
////////////////////////////////////////////////////////////////////////

// Acquire returns a handle pinning a slot bound to the given sector, with
// the slot's data lock held in the requested mode. It blocks until a slot
// can be obtained and never fails: when every slot is pinned it backs off
// and retries.
func (c *Cache) Acquire(sector blockdev.SectorID, exclusive bool) *Handle {
	if sector == emptySector {
		panic("cache: Acquire of the reserved empty sector id")
	}

	for {
		if h := c.lookup(sector, exclusive); h != nil {
			c.metrics.Hit()
			return h
		}

		if h := c.adoptEmpty(sector, exclusive); h != nil {
			c.metrics.Miss()
			return h
		}

		if !c.evictOne() {
			time.Sleep(contentionBackoff)
		}
	}
}

// lookup scans for a slot already bound to sector and pins it, blocking on
// its data lock if necessary. Returns nil if the sector is not cached.
func (c *Cache) lookup(sector blockdev.SectorID, exclusive bool) *Handle {
	for _, s := range c.slots {
		s.mu.Lock()
		if s.sector != sector {
			s.mu.Unlock()
			continue
		}

		// Pin the slot before blocking: a non-zero waiter count forbids
		// eviction from re-sectoring it while we wait.
		s.waiters++
		s.sl.Acquire(exclusive)
		s.waiters--

		if s.sector != sector {
			panic(fmt.Sprintf(
				"cache: slot re-sectored while pinned: %d != %d", s.sector, sector))
		}
		s.mu.Unlock()

		return &Handle{c: c, s: s, sector: sector, exclusive: exclusive}
	}

	return nil
}

// adoptEmpty binds sector to a free slot, if there is one.
func (c *Cache) adoptEmpty(sector blockdev.SectorID, exclusive bool) *Handle {
	for _, s := range c.slots {
		s.mu.Lock()
		if s.sector != emptySector {
			s.mu.Unlock()
			continue
		}

		s.sector = sector
		s.accessed = false
		s.dirty = false
		s.hasData = false
		s.waiters = 0

		// Nobody else has seen this slot as taken yet, so the data lock
		// must be free.
		if !s.sl.TryAcquire(exclusive) {
			panic("cache: empty slot has data lock holders")
		}
		s.mu.Unlock()

		return &Handle{c: c, s: s, sector: sector, exclusive: exclusive}
	}

	return nil
}

// evictOne advances the clock hand up to two full revolutions looking for a
// victim slot to empty, writing its page back first if dirty. Returns
// whether it processed a victim (in which case the caller should retry the
// lookup and empty passes).
func (c *Cache) evictOne() bool {
	c.handMu.Lock()

	for probe := 0; probe < 2*len(c.slots); probe++ {
		c.hand++
		if c.hand >= len(c.slots) {
			c.hand = 0
		}

		s := c.slots[c.hand]
		if !s.mu.TryLock() {
			continue
		}
		if !s.sl.TryAcquire(true) {
			s.mu.Unlock()
			continue
		}
		if s.waiters != 0 {
			s.sl.Release(true)
			s.mu.Unlock()
			continue
		}
		if s.accessed {
			// Second chance.
			s.accessed = false
			s.sl.Release(true)
			s.mu.Unlock()
			continue
		}

		// s is the victim. Drop the hand mutex; it must not be held across
		// I/O.
		c.handMu.Unlock()

		if s.hasData && s.dirty {
			sector := s.sector

			// Drop the slot mutex across the write as well. The page stays
			// stable: we hold the data lock exclusively.
			s.mu.Unlock()
			err := c.dev.WriteSector(sector, s.data[:])
			s.mu.Lock()

			if err != nil {
				// Leave the slot bound and dirty; flush or a later eviction
				// will retry.
				logger.Errorf("cache: write-back of sector %d: %v", sector, err)
				s.sl.Release(true)
				s.mu.Unlock()
				return true
			}

			c.metrics.WriteBack()
			s.dirty = false
		}

		// A waiter that arrived during the write has re-adopted the slot;
		// in that case leave the binding alone.
		if s.waiters == 0 {
			s.sector = emptySector
			s.hasData = false
			s.dirty = false
			c.metrics.Eviction()
		}

		s.sl.Release(true)
		s.mu.Unlock()
		return true
	}

	c.handMu.Unlock()
	return false
}

////////////////////////////////////////////////////////////////////////
// Whole-cache operations
////////////////////////////////////////////////////////////////////////

// Flush writes every dirty page back to the device. It is not atomic:
// slots may be dirtied again as soon as they are written. Returns the
// errors of any failed write-backs; the corresponding slots stay dirty.
func (c *Cache) Flush() error {
	var errs []error

	for _, s := range c.slots {
		s.mu.Lock()
		sector := s.sector
		s.mu.Unlock()
		if sector == emptySector {
			continue
		}

		// Reacquire through the front door to obey the lock protocol. The
		// slot may have been evicted and rebound in the meantime; flushing
		// whatever now backs the sector still serves the goal of leaving no
		// dirty slot behind.
		h := c.Acquire(sector, true)

		hs := h.s
		hs.mu.Lock()
		doWrite := hs.hasData && hs.dirty
		hs.mu.Unlock()

		if doWrite {
			if err := c.dev.WriteSector(sector, hs.data[:]); err != nil {
				errs = append(errs, fmt.Errorf("write-back of sector %d: %w", sector, err))
			} else {
				c.metrics.WriteBack()
				hs.mu.Lock()
				hs.dirty = false
				hs.mu.Unlock()
			}
		}

		h.Release()
	}

	return errors.Join(errs...)
}

// Dealloc drops the slot backing the given sector, if any, without writing
// it back. For sectors that have just been returned to the free map: their
// content is garbage now, and a stale binding would corrupt a future
// incarnation of the sector.
//
// Opportunistic: if the slot is locked or pinned the binding is left in
// place, to be reclaimed by eviction.
func (c *Cache) Dealloc(sector blockdev.SectorID) {
	c.handMu.Lock()
	for _, s := range c.slots {
		s.mu.Lock()
		if s.sector != sector {
			s.mu.Unlock()
			continue
		}
		c.handMu.Unlock()

		if s.sl.TryAcquire(true) {
			if s.waiters == 0 {
				s.sector = emptySector
				s.hasData = false
				s.dirty = false
			}
			s.sl.Release(true)
		}

		s.mu.Unlock()
		return
	}
	c.handMu.Unlock()
}

// CheckInvariants panics if any slot violates the cache invariants. Meant
// for tests; it takes every slot mutex in turn.
func (c *Cache) CheckInvariants() {
	seen := make(map[blockdev.SectorID]int)

	for i, s := range c.slots {
		s.mu.Lock()

		// INVARIANT: sector == emptySector => !hasData && !dirty
		if s.sector == emptySector && (s.hasData || s.dirty) {
			s.mu.Unlock()
			panic(fmt.Sprintf("cache: empty slot %d has data or dirt", i))
		}

		// INVARIANT: dirty => hasData
		if s.dirty && !s.hasData {
			s.mu.Unlock()
			panic(fmt.Sprintf("cache: slot %d dirty without data", i))
		}

		// INVARIANT: no two slots bind the same sector
		if s.sector != emptySector {
			if prev, ok := seen[s.sector]; ok {
				s.mu.Unlock()
				panic(fmt.Sprintf(
					"cache: sector %d bound by slots %d and %d", s.sector, prev, i))
			}
			seen[s.sector] = i
		}

		if s.waiters < 0 {
			s.mu.Unlock()
			panic(fmt.Sprintf("cache: slot %d has negative waiters", i))
		}

		s.mu.Unlock()
	}
}
