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

package inode

import (
	"fmt"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
)

// indexPath is the chain of pointer indices leading to a data block: one
// entry for a direct block, two through the indirect block, three through
// the double-indirect block.
type indexPath struct {
	offs   [3]int64
	levels int
}

func pathForOffset(offset int64) indexPath {
	sectorOff := offset / blockdev.SectorSize

	var p indexPath
	switch {
	case sectorOff < DataBlockCnt:
		p.offs[0] = sectorOff
		p.levels = 1

	case sectorOff-DataBlockCnt < SectorPtrCnt*IndirectBlockCnt:
		sectorOff -= DataBlockCnt
		p.offs[0] = DataBlockCnt + sectorOff/SectorPtrCnt
		p.offs[1] = sectorOff % SectorPtrCnt
		p.levels = 2

	default:
		sectorOff -= DataBlockCnt + SectorPtrCnt*IndirectBlockCnt
		p.offs[0] = DataBlockCnt + IndirectBlockCnt + sectorOff/(SectorPtrCnt*SectorPtrCnt)
		p.offs[1] = sectorOff / SectorPtrCnt
		p.offs[2] = sectorOff % SectorPtrCnt
		p.levels = 3
	}

	return p
}

// resolve walks the index levels down to the data block covering offset.
//
// In read mode (write == false) the returned handle is shared; a nil
// handle with nil error means the block is a hole and the caller should
// read zeros. In write mode missing blocks are allocated and zero-filled
// on the way down, and the returned handle is exclusive.
//
// At each level the current sector is first read under a shared handle.
// Only when a pointer is missing in write mode does the walk re-acquire
// that sector exclusively, and it re-checks the pointer then: another
// writer may have filled it in between.
func (in *Inode) resolve(offset int64, write bool) (*cache.Handle, error) {
	if offset < 0 || offset > MaxLength {
		panic(fmt.Sprintf("inode: resolve offset %d out of range", offset))
	}

	p := pathForOffset(offset)
	c := in.registry.cache

	level := 0
	sector := in.sector
	for {
		h := c.Acquire(sector, false)
		page, err := h.Data(false)
		if err != nil {
			h.Release()
			return nil, err
		}
		next := ptrAt(page, p.offs[level])
		h.Release()

		if next != 0 {
			if level == p.levels-1 {
				return c.Acquire(next, write), nil
			}
			sector = next
			level++
			continue
		}

		if !write {
			// Hole.
			return nil, nil
		}

		h = c.Acquire(sector, true)
		page, err = h.Data(false)
		if err != nil {
			h.Release()
			return nil, err
		}

		next = ptrAt(page, p.offs[level])
		if next != 0 {
			h.Release()
			if level == p.levels-1 {
				return c.Acquire(next, write), nil
			}
			sector = next
			level++
			continue
		}

		newSector, ok := in.registry.freeMap.Allocate(1)
		if !ok {
			h.Release()
			return nil, ErrNoSpace
		}
		setPtrAt(page, p.offs[level], newSector)
		h.MarkDirty()

		child := c.Acquire(newSector, true)
		if _, err := child.Data(true); err != nil {
			child.Release()
			h.Release()
			return nil, err
		}
		h.Release()

		if level == p.levels-1 {
			return child, nil
		}
		sector = newSector
		child.Release()
		level++
	}
}

// ReadAt reads len(p) bytes starting at offset off, returning how many
// bytes it read. A short count with nil error means end of file; holes
// read as zeros.
func (in *Inode) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := 0
	for n < len(p) {
		length, err := in.Length()
		if err != nil {
			return n, err
		}

		sectorOfs := off % blockdev.SectorSize
		chunk := min(
			int64(len(p)-n),
			length-off,
			blockdev.SectorSize-sectorOfs)
		if chunk <= 0 {
			break
		}

		h, err := in.resolve(off, false)
		if err != nil {
			return n, err
		}
		if h == nil {
			clear(p[n : n+int(chunk)])
		} else {
			page, err := h.Data(false)
			if err != nil {
				h.Release()
				return n, err
			}
			copy(p[n:n+int(chunk)], page[sectorOfs:])
			h.Release()
		}

		n += int(chunk)
		off += chunk
	}

	return n, nil
}

// WriteAt writes p starting at offset off, allocating blocks as needed and
// extending the file length if the write ends past it. Returns how many
// bytes were written: short on a full device, zero when writes are denied
// or the offset is at or past MaxLength.
func (in *Inode) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if in.writeDenied() {
		return 0, nil
	}

	n := 0
	for n < len(p) {
		sectorOfs := off % blockdev.SectorSize
		chunk := min(
			int64(len(p)-n),
			MaxLength-off,
			blockdev.SectorSize-sectorOfs)
		if chunk <= 0 {
			break
		}

		h, err := in.resolve(off, true)
		if err == ErrNoSpace {
			// Partial progress is preserved; the length update below still
			// covers what was written.
			break
		}
		if err != nil {
			return n, err
		}

		page, err := h.Data(false)
		if err != nil {
			h.Release()
			return n, err
		}
		copy(page[sectorOfs:sectorOfs+chunk], p[n:n+int(chunk)])
		h.MarkDirty()
		h.Release()

		n += int(chunk)
		off += chunk
	}

	// Extend the length if we wrote past it. Both this update and Length
	// go through the header's lock, so growth is linearizable.
	if n > 0 {
		h := in.registry.cache.Acquire(in.sector, true)
		page, err := h.Data(false)
		if err != nil {
			h.Release()
			return n, err
		}
		if off > lengthOf(page) {
			setLengthOf(page, off)
			h.MarkDirty()
		}
		h.Release()
	}

	return n, nil
}
