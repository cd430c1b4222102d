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

// Package inode maps inode numbers to files of byte-addressable storage.
// An inode's number is the sector holding its on-disk header; all state
// besides the open-handle bookkeeping lives on disk and is reached through
// the buffer cache.
package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jacobsa/syncutil"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
	"github.com/FlappyCode/sectorfs/internal/freemap"
)

// ErrNoSpace is returned when the free map cannot supply a block. A write
// that hits it reports the bytes it managed to get down first.
var ErrNoSpace = errors.New("no free sectors")

// A Registry hands out inode handles and guarantees that two opens of the
// same sector share one handle. It owns the cache and free map used by
// every inode it opens.
type Registry struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cache   *cache.Cache
	freeMap *freemap.FreeMap

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// All currently open inodes, keyed by header sector.
	//
	// INVARIANT: for every inode, openCount >= 1
	// INVARIANT: for every inode, 0 <= denyWriteCount <= openCount
	//
	// GUARDED_BY(mu)
	inodes map[blockdev.SectorID]*Inode
}

// An Inode is an open handle to a file or directory. Handles are shared:
// opening the same sector twice yields the same *Inode with its open count
// bumped. Close exactly once per open.
type Inode struct {
	// The registry this handle came from.
	registry *Registry

	// The sector holding the on-disk header; also the inode number.
	sector blockdev.SectorID

	// Serializes directory-entry mutation against lookups for directory
	// inodes. Taken by the directory layer via AcquireLock/ReleaseLock.
	lockMu sync.Mutex

	// Number of outstanding opens.
	//
	// GUARDED_BY(registry.mu)
	openCount int

	// Whether the inode is to be destroyed on last close.
	//
	// GUARDED_BY(registry.mu)
	removed bool

	// While positive, WriteAt writes nothing.
	//
	// GUARDED_BY(registry.mu)
	denyWriteCount int
}

// NewRegistry creates an empty registry over the given cache and free map.
func NewRegistry(c *cache.Cache, fm *freemap.FreeMap) *Registry {
	r := &Registry{
		cache:   c,
		freeMap: fm,
		inodes:  make(map[blockdev.SectorID]*Inode),
	}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)

	return r
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(r.mu)
func (r *Registry) checkInvariants() {
	for sector, in := range r.inodes {
		if in.sector != sector {
			panic(fmt.Sprintf("inode: registry key %d holds inode %d", sector, in.sector))
		}

		// INVARIANT: openCount >= 1
		if in.openCount < 1 {
			panic(fmt.Sprintf("inode %d: open count %d in registry", sector, in.openCount))
		}

		// INVARIANT: 0 <= denyWriteCount <= openCount
		if in.denyWriteCount < 0 || in.denyWriteCount > in.openCount {
			panic(fmt.Sprintf(
				"inode %d: deny-write count %d, open count %d",
				sector, in.denyWriteCount, in.openCount))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// Create initializes the on-disk header at the given sector as an empty
// file or directory and returns an open handle to it. The sector must have
// been allocated by the caller.
func (r *Registry) Create(sector blockdev.SectorID, isDir bool) (*Inode, error) {
	h := r.cache.Acquire(sector, true)
	page, err := h.Data(true)
	if err != nil {
		h.Release()
		return nil, fmt.Errorf("initialize inode header: %w", err)
	}

	setLengthOf(page, 0)
	if isDir {
		setTypeOf(page, typeDir)
	} else {
		setTypeOf(page, typeFile)
	}
	setMagicOf(page, inodeMagic)
	h.MarkDirty()
	h.Release()

	return r.Open(sector), nil
}

// Open returns a handle to the inode whose header is at the given sector,
// sharing the existing handle if the inode is already open. No I/O happens
// here; the header is read lazily.
func (r *Registry) Open(sector blockdev.SectorID) *Inode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inodes[sector]; ok {
		in.openCount++
		return in
	}

	in := &Inode{
		registry:  r,
		sector:    sector,
		openCount: 1,
	}
	r.inodes[sector] = in

	return in
}

// Reopen bumps the handle's open count and returns it. Convenient for
// passing an already-open inode to a second owner. Returns nil for nil.
func (in *Inode) Reopen() *Inode {
	if in == nil {
		return nil
	}

	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	in.openCount++
	return in
}

// Close drops one open. On the last close the handle leaves the registry,
// and if the inode was removed its blocks and header are freed.
func (in *Inode) Close() error {
	if in == nil {
		return nil
	}

	r := in.registry
	r.mu.Lock()
	in.openCount--
	if in.openCount > 0 {
		r.mu.Unlock()
		return nil
	}

	delete(r.inodes, in.sector)
	removed := in.removed
	r.mu.Unlock()

	if removed {
		return in.destroy()
	}
	return nil
}

// Remove marks the inode for destruction on last close. The blocks stay
// allocated and readable until then.
func (in *Inode) Remove() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	in.removed = true
}

// destroy frees every block reachable from the header, then the header
// sector itself. Runs after the handle has left the registry, so no new
// opens can race with it; the sectors are first dropped from the cache and
// then returned to the free map.
func (in *Inode) destroy() error {
	r := in.registry

	h := r.cache.Acquire(in.sector, true)
	page, err := h.Data(false)
	if err != nil {
		h.Release()
		return fmt.Errorf("destroy inode %d: %w", in.sector, err)
	}

	var errs []error
	for i := int64(0); i < BlockPtrCnt; i++ {
		sector := ptrAt(page, i)
		if sector == 0 {
			continue
		}

		// Depth of the index subtree hanging off this pointer.
		depth := 0
		if i >= DataBlockCnt {
			depth++
		}
		if i >= DataBlockCnt+IndirectBlockCnt {
			depth++
		}

		if err := r.releaseSubtree(sector, depth); err != nil {
			errs = append(errs, err)
		}
	}
	h.Release()

	r.cache.Dealloc(in.sector)
	r.freeMap.Release(in.sector, 1)

	return errors.Join(errs...)
}

// releaseSubtree frees the index subtree rooted at the given sector: a data
// block at depth 0, an indirect block of children at depth 1, and so on.
func (r *Registry) releaseSubtree(sector blockdev.SectorID, depth int) error {
	if depth > 0 {
		h := r.cache.Acquire(sector, true)
		page, err := h.Data(false)
		if err != nil {
			h.Release()
			return fmt.Errorf("release index block %d: %w", sector, err)
		}

		var errs []error
		for i := int64(0); i < SectorPtrCnt; i++ {
			child := ptrAt(page, i)
			if child == 0 {
				continue
			}
			if err := r.releaseSubtree(child, depth-1); err != nil {
				errs = append(errs, err)
			}
		}
		h.Release()

		if err := errors.Join(errs...); err != nil {
			return err
		}
	}

	r.cache.Dealloc(sector)
	r.freeMap.Release(sector, 1)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Accessors
////////////////////////////////////////////////////////////////////////

// Inumber returns the inode number, i.e. the header's sector.
func (in *Inode) Inumber() blockdev.SectorID {
	return in.sector
}

// Registry returns the registry this handle came from.
func (in *Inode) Registry() *Registry {
	return in.registry
}

// Length returns the file length in bytes.
func (in *Inode) Length() (int64, error) {
	h := in.registry.cache.Acquire(in.sector, false)
	defer h.Release()

	page, err := h.Data(false)
	if err != nil {
		return 0, fmt.Errorf("read inode header %d: %w", in.sector, err)
	}
	return lengthOf(page), nil
}

// IsDir returns whether the inode is a directory.
func (in *Inode) IsDir() (bool, error) {
	h := in.registry.cache.Acquire(in.sector, false)
	defer h.Release()

	page, err := h.Data(false)
	if err != nil {
		return false, fmt.Errorf("read inode header %d: %w", in.sector, err)
	}
	return typeOf(page) == typeDir, nil
}

// OpenCount returns the number of outstanding opens of this inode.
func (in *Inode) OpenCount() int {
	r := in.registry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return in.openCount
}

// DenyWrite disables writes to the inode. May be called at most once per
// open of the handle; each call must be undone with AllowWrite before the
// corresponding close.
func (in *Inode) DenyWrite() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount >= in.openCount {
		panic(fmt.Sprintf(
			"inode %d: deny-write count %d already at open count %d",
			in.sector, in.denyWriteCount, in.openCount))
	}
	in.denyWriteCount++
}

// AllowWrite undoes one DenyWrite.
func (in *Inode) AllowWrite() {
	r := in.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.denyWriteCount <= 0 {
		panic(fmt.Sprintf("inode %d: AllowWrite without DenyWrite", in.sector))
	}
	in.denyWriteCount--
}

func (in *Inode) writeDenied() bool {
	r := in.registry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return in.denyWriteCount > 0
}

// AcquireLock takes the per-inode mutex. The directory layer uses it to
// serialize entry mutation against lookups.
func (in *Inode) AcquireLock() {
	in.lockMu.Lock()
}

// ReleaseLock drops the per-inode mutex.
func (in *Inode) ReleaseLock() {
	in.lockMu.Unlock()
}
