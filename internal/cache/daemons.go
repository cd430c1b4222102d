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

package cache

import (
	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/logger"
)

// ReadaheadEnqueue asks the read-ahead daemon to pull the given sector into
// the cache. Best effort: requests enqueued after Stop are dropped.
func (c *Cache) ReadaheadEnqueue(sector blockdev.SectorID) {
	c.raMu.Lock()
	defer c.raMu.Unlock()

	if c.stopped {
		return
	}
	c.raQueue.Push(sector)
	c.raCond.Signal()
}

// readaheadDaemon pulls queued sectors into the cache, one at a time. A
// single daemon is enough: read-ahead only needs to beat the caller's next
// synchronous read, not saturate the device.
func (c *Cache) readaheadDaemon() {
	defer c.wg.Done()

	for {
		c.raMu.Lock()
		for c.raQueue.IsEmpty() && !c.stopped {
			c.raCond.Wait()
		}
		if c.stopped {
			c.raMu.Unlock()
			return
		}
		sector := c.raQueue.Pop()
		c.raMu.Unlock()

		h := c.Acquire(sector, false)
		if _, err := h.Data(false); err != nil {
			logger.Warnf("cache: read-ahead of sector %d: %v", sector, err)
		}
		h.Release()
	}
}

// flushDaemon periodically writes all dirty pages back to the device.
func (c *Cache) flushDaemon() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.flushInterval):
			if err := c.Flush(); err != nil {
				logger.Errorf("cache: periodic flush: %v", err)
			}
		}
	}
}
