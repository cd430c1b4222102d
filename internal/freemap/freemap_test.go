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

package freemap

import (
	"sync"
	"testing"

	"github.com/jacobsa/syncutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
)

func init() {
	syncutil.EnableInvariantChecking()
}

type FreeMapTest struct {
	suite.Suite
	fm *FreeMap
}

func TestFreeMapTestSuite(t *testing.T) {
	suite.Run(t, new(FreeMapTest))
}

func (testSuite *FreeMapTest) SetupTest() {
	testSuite.fm = New(256)
}

func (testSuite *FreeMapTest) TestAllocateAndRelease() {
	s, ok := testSuite.fm.Allocate(1)
	require.True(testSuite.T(), ok)
	assert.True(testSuite.T(), testSuite.fm.IsUsed(s))
	assert.Equal(testSuite.T(), uint32(255), testSuite.fm.CountFree())

	testSuite.fm.Release(s, 1)
	assert.False(testSuite.T(), testSuite.fm.IsUsed(s))
	assert.Equal(testSuite.T(), uint32(256), testSuite.fm.CountFree())
}

func (testSuite *FreeMapTest) TestContiguousRuns() {
	a, ok := testSuite.fm.Allocate(10)
	require.True(testSuite.T(), ok)
	b, ok := testSuite.fm.Allocate(10)
	require.True(testSuite.T(), ok)
	assert.NotEqual(testSuite.T(), a, b)

	// Free the first run; a new run of the same size fits there again.
	testSuite.fm.Release(a, 10)
	c, ok := testSuite.fm.Allocate(10)
	require.True(testSuite.T(), ok)
	assert.Equal(testSuite.T(), a, c)
}

func (testSuite *FreeMapTest) TestExhaustion() {
	_, ok := testSuite.fm.Allocate(257)
	assert.False(testSuite.T(), ok)

	s, ok := testSuite.fm.Allocate(256)
	require.True(testSuite.T(), ok)
	assert.Equal(testSuite.T(), blockdev.SectorID(0), s)
	assert.Equal(testSuite.T(), uint32(0), testSuite.fm.CountFree())

	_, ok = testSuite.fm.Allocate(1)
	assert.False(testSuite.T(), ok)
}

func (testSuite *FreeMapTest) TestFragmentationBlocksLargeRuns() {
	// Allocate everything, then free every other sector.
	_, ok := testSuite.fm.Allocate(256)
	require.True(testSuite.T(), ok)
	for s := uint32(0); s < 256; s += 2 {
		testSuite.fm.Release(blockdev.SectorID(s), 1)
	}

	assert.Equal(testSuite.T(), uint32(128), testSuite.fm.CountFree())
	_, ok = testSuite.fm.Allocate(2)
	assert.False(testSuite.T(), ok)
	_, ok = testSuite.fm.Allocate(1)
	assert.True(testSuite.T(), ok)
}

func (testSuite *FreeMapTest) TestDoubleReleasePanics() {
	s, ok := testSuite.fm.Allocate(1)
	require.True(testSuite.T(), ok)
	testSuite.fm.Release(s, 1)
	assert.Panics(testSuite.T(), func() { testSuite.fm.Release(s, 1) })
}

func (testSuite *FreeMapTest) TestMarkUsed() {
	testSuite.fm.MarkUsed(0, 3)
	assert.Equal(testSuite.T(), uint32(253), testSuite.fm.CountFree())

	s, ok := testSuite.fm.Allocate(1)
	require.True(testSuite.T(), ok)
	assert.Equal(testSuite.T(), blockdev.SectorID(3), s)
}

func (testSuite *FreeMapTest) TestConcurrentAllocateRelease() {
	const workers = 8

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s, ok := testSuite.fm.Allocate(1)
				if !ok {
					continue
				}
				testSuite.fm.Release(s, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(testSuite.T(), uint32(256), testSuite.fm.CountFree())
}

func (testSuite *FreeMapTest) TestPersistAndLoadRoundTrip() {
	dev := blockdev.NewMemDevice(64)
	c := cache.New(dev, cache.Config{SlotCount: 4})
	defer c.Stop()

	fm := New(64)
	fm.MarkUsed(0, 2)
	s, ok := fm.Allocate(5)
	require.True(testSuite.T(), ok)

	require.NoError(testSuite.T(), fm.Persist(c, 1))
	require.NoError(testSuite.T(), c.Flush())

	loaded := New(64)
	require.NoError(testSuite.T(), loaded.Load(c, 1))
	assert.Equal(testSuite.T(), fm.CountFree(), loaded.CountFree())
	assert.True(testSuite.T(), loaded.IsUsed(s))
	assert.True(testSuite.T(), loaded.IsUsed(0))
	assert.False(testSuite.T(), loaded.IsUsed(s+5))
}

func TestMapSectors(t *testing.T) {
	assert.Equal(t, uint32(1), MapSectors(1))
	assert.Equal(t, uint32(1), MapSectors(4096))
	assert.Equal(t, uint32(2), MapSectors(4097))
}
