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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/clock"
)

const testDeviceSectors = 1024

type CacheTest struct {
	suite.Suite
	dev   *blockdev.MemDevice
	cache *Cache
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTest))
}

func (testSuite *CacheTest) SetupTest() {
	testSuite.dev = blockdev.NewMemDevice(testDeviceSectors)
	testSuite.cache = New(testSuite.dev, Config{})
}

func (testSuite *CacheTest) TearDownTest() {
	testSuite.cache.CheckInvariants()
	testSuite.cache.Stop()
}

// writeSector fills the given sector with b through the cache.
func (testSuite *CacheTest) writeSector(sector blockdev.SectorID, b byte) {
	h := testSuite.cache.Acquire(sector, true)
	data, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	for i := range data {
		data[i] = b
	}
	h.MarkDirty()
	h.Release()
}

func (testSuite *CacheTest) TestReadMissLoadsFromDevice() {
	want := testSuite.dev.SectorContents(7)
	want[0] = 0xAB
	require.NoError(testSuite.T(), testSuite.dev.WriteSector(7, want))

	h := testSuite.cache.Acquire(7, false)
	data, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	assert.Equal(testSuite.T(), want, append([]byte(nil), data...))
	h.Release()

	assert.Equal(testSuite.T(), 1, testSuite.dev.ReadCount(7))
}

func (testSuite *CacheTest) TestRepeatedAcquireHitsCache() {
	for i := 0; i < 5; i++ {
		h := testSuite.cache.Acquire(3, false)
		_, err := h.Data(false)
		require.NoError(testSuite.T(), err)
		h.Release()
	}

	// One demand load, no matter how many acquires.
	assert.Equal(testSuite.T(), 1, testSuite.dev.ReadCount(3))
}

func (testSuite *CacheTest) TestDirtyPageReadBack() {
	testSuite.writeSector(5, 0xCD)

	h := testSuite.cache.Acquire(5, false)
	data, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	for _, b := range data {
		require.Equal(testSuite.T(), byte(0xCD), b)
	}
	h.Release()

	// Write-back has not happened yet.
	assert.Equal(testSuite.T(), 0, testSuite.dev.WriteCount(5))
}

func (testSuite *CacheTest) TestZeroFillSkipsDeviceRead() {
	junk := make([]byte, blockdev.SectorSize)
	for i := range junk {
		junk[i] = 0xFF
	}
	require.NoError(testSuite.T(), testSuite.dev.WriteSector(9, junk))

	h := testSuite.cache.Acquire(9, true)
	data, err := h.Data(true)
	require.NoError(testSuite.T(), err)
	for _, b := range data {
		require.Equal(testSuite.T(), byte(0), b)
	}
	h.Release()

	assert.Equal(testSuite.T(), 0, testSuite.dev.ReadCount(9))
}

func (testSuite *CacheTest) TestFlushWritesDirtyPagesOnce() {
	testSuite.writeSector(2, 0x11)
	testSuite.writeSector(4, 0x22)

	require.NoError(testSuite.T(), testSuite.cache.Flush())
	assert.Equal(testSuite.T(), 1, testSuite.dev.WriteCount(2))
	assert.Equal(testSuite.T(), 1, testSuite.dev.WriteCount(4))
	assert.Equal(testSuite.T(), byte(0x11), testSuite.dev.SectorContents(2)[0])
	assert.Equal(testSuite.T(), byte(0x22), testSuite.dev.SectorContents(4)[0])

	// A second flush finds nothing dirty.
	require.NoError(testSuite.T(), testSuite.cache.Flush())
	assert.Equal(testSuite.T(), 1, testSuite.dev.WriteCount(2))
	assert.Equal(testSuite.T(), 1, testSuite.dev.WriteCount(4))
}

func (testSuite *CacheTest) TestDeallocDropsWithoutWriteBack() {
	testSuite.writeSector(6, 0x33)
	testSuite.cache.Dealloc(6)

	require.NoError(testSuite.T(), testSuite.cache.Flush())
	assert.Equal(testSuite.T(), 0, testSuite.dev.WriteCount(6))
}

func (testSuite *CacheTest) TestDeallocLeavesPinnedSlotAlone() {
	h := testSuite.cache.Acquire(8, false)
	_, err := h.Data(false)
	require.NoError(testSuite.T(), err)

	testSuite.cache.Dealloc(8)

	// The handle stays valid and bound.
	assert.Equal(testSuite.T(), blockdev.SectorID(8), h.Sector())
	h.Release()
}

// Scenario: two sharers hold a sector while an exclusive acquirer waits.
func (testSuite *CacheTest) TestSharersBlockExclusive() {
	h1 := testSuite.cache.Acquire(10, false)
	h2 := testSuite.cache.Acquire(10, false)

	acquired := make(chan *Handle, 1)
	go func() {
		acquired <- testSuite.cache.Acquire(10, true)
	}()

	select {
	case <-acquired:
		testSuite.T().Fatal("exclusive acquire succeeded while sharers held the sector")
	case <-time.After(50 * time.Millisecond):
	}

	h1.Release()

	select {
	case <-acquired:
		testSuite.T().Fatal("exclusive acquire succeeded while a sharer held the sector")
	case <-time.After(50 * time.Millisecond):
	}

	h2.Release()

	select {
	case h := <-acquired:
		h.Release()
	case <-time.After(time.Second):
		testSuite.T().Fatal("exclusive acquire never completed")
	}
}

// Scenario: fill every slot with a dirty sector, then acquire one more.
// Eviction must write a victim back to the device, and the evicted sector
// must read back correctly afterwards.
func (testSuite *CacheTest) TestEvictionWritesBackAndReloads() {
	n := testSuite.cache.SlotCount()
	for i := 0; i < n; i++ {
		testSuite.writeSector(blockdev.SectorID(i), byte(i))
	}

	// The cache is full of dirty slots; this forces an eviction.
	testSuite.writeSector(blockdev.SectorID(n), 0xEE)
	testSuite.cache.CheckInvariants()

	written := 0
	for i := 0; i < n; i++ {
		written += testSuite.dev.WriteCount(blockdev.SectorID(i))
	}
	assert.GreaterOrEqual(testSuite.T(), written, 1)

	// Every sector, evicted or not, reads back with its pattern.
	for i := 0; i <= n; i++ {
		want := byte(i)
		if i == n {
			want = 0xEE
		}
		h := testSuite.cache.Acquire(blockdev.SectorID(i), false)
		data, err := h.Data(false)
		require.NoError(testSuite.T(), err)
		require.Equal(testSuite.T(), want, data[0], "sector %d", i)
		h.Release()
	}
}

// Acquire must not fail when every slot is pinned; it waits for one to free
// up.
func (testSuite *CacheTest) TestAcquireWaitsOutFullPin() {
	small := New(testSuite.dev, Config{SlotCount: 2})
	defer small.Stop()

	h1 := small.Acquire(1, false)
	h2 := small.Acquire(2, false)

	acquired := make(chan *Handle, 1)
	go func() {
		acquired <- small.Acquire(3, false)
	}()

	select {
	case <-acquired:
		testSuite.T().Fatal("acquire succeeded with every slot pinned")
	case <-time.After(150 * time.Millisecond):
	}

	h1.Release()
	h2.Release()

	select {
	case h := <-acquired:
		h.Release()
	case <-time.After(5 * time.Second):
		testSuite.T().Fatal("acquire never completed after slots were released")
	}
	small.CheckInvariants()
}

func (testSuite *CacheTest) TestReadaheadPopulates() {
	testSuite.cache.ReadaheadEnqueue(42)

	deadline := time.Now().Add(5 * time.Second)
	for testSuite.dev.ReadCount(42) == 0 {
		if time.Now().After(deadline) {
			testSuite.T().Fatal("read-ahead never touched the device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The sector is now cached: a foreground acquire causes no second read.
	h := testSuite.cache.Acquire(42, false)
	_, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	h.Release()
	assert.Equal(testSuite.T(), 1, testSuite.dev.ReadCount(42))
}

func (testSuite *CacheTest) TestFlushDaemonWritesBackPeriodically() {
	sc := clock.NewSimulatedClock(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	c := New(testSuite.dev, Config{FlushInterval: DefaultFlushInterval, Clock: sc})
	defer c.Stop()

	h := c.Acquire(77, true)
	data, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	data[0] = 0x55
	h.MarkDirty()
	h.Release()

	deadline := time.Now().Add(5 * time.Second)
	for testSuite.dev.WriteCount(77) == 0 {
		if time.Now().After(deadline) {
			testSuite.T().Fatal("flush daemon never wrote the dirty page back")
		}
		sc.AdvanceTime(DefaultFlushInterval + time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(testSuite.T(), byte(0x55), testSuite.dev.SectorContents(77)[0])
}

// Hammer a small cache from many goroutines and check that nothing is lost:
// after a final flush the device holds each sector's last write.
func (testSuite *CacheTest) TestConcurrentReadersAndWriters() {
	const (
		workers = 8
		rounds  = 50
	)
	small := New(testSuite.dev, Config{SlotCount: 4})
	defer small.Stop()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sector := blockdev.SectorID(100 + w)
			for r := 0; r < rounds; r++ {
				h := small.Acquire(sector, true)
				data, err := h.Data(false)
				if err != nil {
					testSuite.T().Error(err)
					h.Release()
					return
				}
				data[0] = byte(r)
				data[1] = byte(w)
				h.MarkDirty()
				h.Release()

				// Interleave reads of a neighbor's sector.
				neighbor := blockdev.SectorID(100 + (w+1)%workers)
				h = small.Acquire(neighbor, false)
				if _, err := h.Data(false); err != nil {
					testSuite.T().Error(err)
				}
				h.Release()
			}
		}(w)
	}
	wg.Wait()

	small.CheckInvariants()
	require.NoError(testSuite.T(), small.Flush())

	for w := 0; w < workers; w++ {
		got := testSuite.dev.SectorContents(blockdev.SectorID(100 + w))
		assert.Equal(testSuite.T(), byte(rounds-1), got[0], "worker %d", w)
		assert.Equal(testSuite.T(), byte(w), got[1], "worker %d", w)
	}
}

func (testSuite *CacheTest) TestMarkDirtyWithoutDataPanics() {
	h := testSuite.cache.Acquire(11, true)
	assert.Panics(testSuite.T(), func() { h.MarkDirty() })
	// Populate so the slot is left in a legal state.
	_, err := h.Data(true)
	require.NoError(testSuite.T(), err)
	h.Release()
}

func (testSuite *CacheTest) TestMarkDirtyOnSharedHandlePanics() {
	h := testSuite.cache.Acquire(12, false)
	_, err := h.Data(false)
	require.NoError(testSuite.T(), err)
	assert.Panics(testSuite.T(), func() { h.MarkDirty() })
	h.Release()
}
