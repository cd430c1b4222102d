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

// Package freemap tracks which device sectors are allocated, as a bitmap
// over the whole device. Safe for concurrent use.
package freemap

import (
	"fmt"
	"math/bits"

	"github.com/jacobsa/syncutil"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
)

// A FreeMap is a bitmap sector allocator. A set bit means the sector is in
// use. The bitmap itself lives in memory; Load and Persist move it to and
// from a reserved run of sectors through the cache.
type FreeMap struct {
	mu syncutil.InvariantMutex

	/////////////////////////
	// Constant data
	/////////////////////////

	// Number of sectors covered.
	count uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// One bit per sector, 64 sectors per word.
	//
	// GUARDED_BY(mu)
	words []uint64

	// Number of clear bits.
	//
	// INVARIANT: free == count - (number of set bits in words)
	//
	// GUARDED_BY(mu)
	free uint32
}

// New creates a free map covering the given number of sectors, all free.
func New(count uint32) *FreeMap {
	fm := &FreeMap{
		count: count,
		words: make([]uint64, (count+63)/64),
		free:  count,
	}
	fm.mu = syncutil.NewInvariantMutex(fm.checkInvariants)

	return fm
}

// MapSectors returns how many sectors the on-disk bitmap occupies for a
// device of the given size.
func MapSectors(count uint32) uint32 {
	bytes := (count + 7) / 8
	return (bytes + blockdev.SectorSize - 1) / blockdev.SectorSize
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(fm.mu)
func (fm *FreeMap) checkInvariants() {
	var used uint32
	for _, w := range fm.words {
		used += uint32(bits.OnesCount64(w))
	}

	// INVARIANT: free == count - (number of set bits in words)
	if fm.free != fm.count-used {
		panic(fmt.Sprintf("freemap: free count %d, bitmap says %d", fm.free, fm.count-used))
	}
}

// LOCKS_REQUIRED(fm.mu)
func (fm *FreeMap) isUsed(sector uint32) bool {
	return fm.words[sector/64]&(1<<(sector%64)) != 0
}

// LOCKS_REQUIRED(fm.mu)
func (fm *FreeMap) setUsed(sector uint32) {
	fm.words[sector/64] |= 1 << (sector % 64)
}

// LOCKS_REQUIRED(fm.mu)
func (fm *FreeMap) setFree(sector uint32) {
	fm.words[sector/64] &^= 1 << (sector % 64)
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Allocate finds n consecutive free sectors, marks them used and returns
// the first. Returns false if no such run exists.
func (fm *FreeMap) Allocate(n uint32) (blockdev.SectorID, bool) {
	if n == 0 {
		panic("freemap: Allocate of zero sectors")
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	var run uint32
	for s := uint32(0); s < fm.count; s++ {
		if fm.isUsed(s) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := s - n + 1
			for i := first; i <= s; i++ {
				fm.setUsed(i)
			}
			fm.free -= n
			return blockdev.SectorID(first), true
		}
	}

	return 0, false
}

// Release marks n sectors starting at the given one free. Releasing a
// sector that is not allocated is a bug in the caller and panics.
func (fm *FreeMap) Release(sector blockdev.SectorID, n uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i := uint32(sector); i < uint32(sector)+n; i++ {
		if !fm.isUsed(i) {
			panic(fmt.Sprintf("freemap: double release of sector %d", i))
		}
		fm.setFree(i)
	}
	fm.free += n
}

// MarkUsed marks n sectors starting at the given one allocated, for sectors
// whose placement is fixed by the disk layout (superblock, the bitmap
// itself, the root directory).
func (fm *FreeMap) MarkUsed(sector blockdev.SectorID, n uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i := uint32(sector); i < uint32(sector)+n; i++ {
		if fm.isUsed(i) {
			panic(fmt.Sprintf("freemap: sector %d is already in use", i))
		}
		fm.setUsed(i)
	}
	fm.free -= n
}

// CountFree returns the number of free sectors.
func (fm *FreeMap) CountFree() uint32 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.free
}

// IsUsed returns whether the given sector is allocated.
func (fm *FreeMap) IsUsed(sector blockdev.SectorID) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.isUsed(uint32(sector))
}

////////////////////////////////////////////////////////////////////////
// Persistence
////////////////////////////////////////////////////////////////////////

// Load replaces the bitmap with the one stored at the given run of sectors.
func (fm *FreeMap) Load(c *cache.Cache, start blockdev.SectorID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	buf := make([]byte, int(MapSectors(fm.count))*blockdev.SectorSize)
	for i := uint32(0); i < MapSectors(fm.count); i++ {
		h := c.Acquire(start+blockdev.SectorID(i), false)
		data, err := h.Data(false)
		if err != nil {
			h.Release()
			return fmt.Errorf("freemap: load: %w", err)
		}
		copy(buf[int(i)*blockdev.SectorSize:], data)
		h.Release()
	}

	var used uint32
	for w := range fm.words {
		fm.words[w] = 0
	}
	for s := uint32(0); s < fm.count; s++ {
		if buf[s/8]&(1<<(s%8)) != 0 {
			fm.setUsed(s)
			used++
		}
	}
	fm.free = fm.count - used

	return nil
}

// Persist writes the bitmap to the given run of sectors through the cache.
// The caller is responsible for flushing.
func (fm *FreeMap) Persist(c *cache.Cache, start blockdev.SectorID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	buf := make([]byte, int(MapSectors(fm.count))*blockdev.SectorSize)
	for s := uint32(0); s < fm.count; s++ {
		if fm.isUsed(s) {
			buf[s/8] |= 1 << (s % 8)
		}
	}

	for i := uint32(0); i < MapSectors(fm.count); i++ {
		h := c.Acquire(start+blockdev.SectorID(i), true)
		data, err := h.Data(true)
		if err != nil {
			h.Release()
			return fmt.Errorf("freemap: persist: %w", err)
		}
		copy(data, buf[int(i)*blockdev.SectorSize:])
		h.MarkDirty()
		h.Release()
	}

	return nil
}
