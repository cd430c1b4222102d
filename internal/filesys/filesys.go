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

// Package filesys assembles the device, cache, free map, inode and
// directory layers into a mountable volume with an absolute-path API.
package filesys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacobsa/timeutil"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/cache"
	"github.com/FlappyCode/sectorfs/internal/directory"
	"github.com/FlappyCode/sectorfs/internal/freemap"
	"github.com/FlappyCode/sectorfs/internal/inode"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNoSpace     = errors.New("no free sectors")
)

// A Filesys is a mounted volume. Unmount it to persist the free map and
// flush the cache.
type Filesys struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev blockdev.Device

	/////////////////////////
	// Constant data
	/////////////////////////

	super *Superblock

	/////////////////////////
	// Mutable state
	/////////////////////////

	cache    *cache.Cache
	freeMap  *freemap.FreeMap
	registry *inode.Registry
}

// Format writes an empty filesystem onto dev: superblock, free map, root
// directory. Any previous content is abandoned.
func Format(dev blockdev.Device, clk timeutil.Clock, cacheCfg cache.Config) error {
	count := dev.SectorCount()
	mapSectors := freemap.MapSectors(count)

	// Layout: superblock, then the free map, then the root directory's
	// inode header.
	sb := &Superblock{
		SectorCount:    count,
		FreeMapStart:   1,
		FreeMapSectors: mapSectors,
		RootSector:     blockdev.SectorID(1 + mapSectors),
		FormatTime:     clk.Now(),
	}
	reserved := 1 + mapSectors + 1
	if count <= reserved {
		return fmt.Errorf("device of %d sectors is too small to format", count)
	}

	c := cache.New(dev, cacheCfg)
	defer c.Stop()

	h := c.Acquire(0, true)
	page, err := h.Data(true)
	if err != nil {
		h.Release()
		return fmt.Errorf("write superblock: %w", err)
	}
	sb.encode(page)
	h.MarkDirty()
	h.Release()

	fm := freemap.New(count)
	fm.MarkUsed(0, reserved)

	reg := inode.NewRegistry(c, fm)
	if err := directory.Create(reg, sb.RootSector, sb.RootSector); err != nil {
		return fmt.Errorf("create root directory: %w", err)
	}

	if err := fm.Persist(c, sb.FreeMapStart); err != nil {
		return err
	}
	return c.Flush()
}

// Mount opens a formatted volume.
func Mount(dev blockdev.Device, cacheCfg cache.Config) (*Filesys, error) {
	c := cache.New(dev, cacheCfg)

	h := c.Acquire(0, false)
	page, err := h.Data(false)
	if err != nil {
		h.Release()
		c.Stop()
		return nil, fmt.Errorf("read superblock: %w", err)
	}
	sb, err := decodeSuperblock(page)
	h.Release()
	if err != nil {
		c.Stop()
		return nil, err
	}
	if sb.SectorCount != dev.SectorCount() {
		c.Stop()
		return nil, fmt.Errorf(
			"superblock says %d sectors, device has %d", sb.SectorCount, dev.SectorCount())
	}

	fm := freemap.New(sb.SectorCount)
	if err := fm.Load(c, sb.FreeMapStart); err != nil {
		c.Stop()
		return nil, err
	}

	return &Filesys{
		dev:      dev,
		super:    sb,
		cache:    c,
		freeMap:  fm,
		registry: inode.NewRegistry(c, fm),
	}, nil
}

// Unmount persists the free map, flushes the cache and stops its daemons.
// The Filesys must not be used afterwards.
func (fs *Filesys) Unmount() error {
	err := fs.freeMap.Persist(fs.cache, fs.super.FreeMapStart)
	if flushErr := fs.cache.Flush(); err == nil {
		err = flushErr
	}
	fs.cache.Stop()
	return err
}

// Superblock returns the mounted volume's superblock.
func (fs *Filesys) Superblock() Superblock {
	return *fs.super
}

// FreeSectors returns the number of unallocated sectors.
func (fs *Filesys) FreeSectors() uint32 {
	return fs.freeMap.CountFree()
}

// Cache returns the volume's buffer cache.
func (fs *Filesys) Cache() *cache.Cache {
	return fs.cache
}

////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////

// splitPath turns an absolute path into its components. "." components are
// dropped; ".." is resolved by the directory layer's own entries.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, path)
	}

	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// openDirAt walks the given components from the root, returning the
// directory they name. The caller closes the result.
func (fs *Filesys) openDirAt(parts []string) (*directory.Dir, error) {
	d, err := directory.OpenRoot(fs.registry, fs.super.RootSector)
	if err != nil {
		return nil, err
	}

	for _, name := range parts {
		in, err := d.Lookup(name)
		if err != nil {
			d.Close()
			return nil, err
		}
		next, err := directory.Open(in)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		d.Close()
		d = next
	}

	return d, nil
}

// resolveParent opens the directory containing the path's final component.
func (fs *Filesys) resolveParent(path string) (parent *directory.Dir, name string, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%w: %q has no final component", ErrInvalidPath, path)
	}

	parent, err = fs.openDirAt(parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	return parent, parts[len(parts)-1], nil
}

////////////////////////////////////////////////////////////////////////
// Operations
////////////////////////////////////////////////////////////////////////

// CreateFile creates an empty file at the given path. A positive
// initialSize presizes it sparsely: the length is set without allocating
// data blocks.
func (fs *Filesys) CreateFile(path string, initialSize int64) error {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, ok := fs.freeMap.Allocate(1)
	if !ok {
		return ErrNoSpace
	}

	in, err := fs.registry.Create(sector, false)
	if err != nil {
		fs.freeMap.Release(sector, 1)
		return err
	}

	if initialSize > 0 {
		// A one-byte write at the end sets the length; the file stays a
		// single hole.
		if _, err := in.WriteAt([]byte{0}, initialSize-1); err != nil {
			in.Remove()
			in.Close()
			return err
		}
	}

	if err := parent.Add(name, sector); err != nil {
		in.Remove()
		in.Close()
		return err
	}
	return in.Close()
}

// Mkdir creates an empty directory at the given path.
func (fs *Filesys) Mkdir(path string) error {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	defer parent.Close()

	sector, ok := fs.freeMap.Allocate(1)
	if !ok {
		return ErrNoSpace
	}

	if err := directory.Create(fs.registry, sector, parent.Inode().Inumber()); err != nil {
		fs.freeMap.Release(sector, 1)
		return err
	}

	if err := parent.Add(name, sector); err != nil {
		// Reopen and unwind the freshly created directory inode.
		in := fs.registry.Open(sector)
		in.Remove()
		in.Close()
		return err
	}
	return nil
}

// Open opens the inode at the given path. The caller owns the handle.
func (fs *Filesys) Open(path string) (*inode.Inode, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		return fs.registry.Open(fs.super.RootSector), nil
	}

	parent, err := fs.openDirAt(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	defer parent.Close()

	return parent.Lookup(parts[len(parts)-1])
}

// Remove deletes the file or empty directory at the given path.
func (fs *Filesys) Remove(path string) error {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		return err
	}
	defer parent.Close()

	return parent.Remove(name)
}

// List returns the names in the directory at the given path, in directory
// order.
func (fs *Filesys) List(path string) ([]string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	d, err := fs.openDirAt(parts)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	var names []string
	for {
		name, ok, err := d.ReadDir()
		if err != nil {
			return nil, err
		}
		if !ok {
			return names, nil
		}
		names = append(names, name)
	}
}

// Info describes one inode, as reported by Stat.
type Info struct {
	Sector blockdev.SectorID
	Length int64
	IsDir  bool
}

// Stat returns metadata for the inode at the given path.
func (fs *Filesys) Stat(path string) (Info, error) {
	in, err := fs.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer in.Close()

	length, err := in.Length()
	if err != nil {
		return Info{}, err
	}
	isDir, err := in.IsDir()
	if err != nil {
		return Info{}, err
	}

	return Info{Sector: in.Inumber(), Length: length, IsDir: isDir}, nil
}

// ReadFile reads the whole file at the given path.
func (fs *Filesys) ReadFile(path string) ([]byte, error) {
	in, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	length, err := in.Length()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	n, err := in.ReadAt(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// WriteFile creates the file at the given path if needed and writes data
// at offset zero. Returns how many bytes were written; a short count means
// the device filled up.
func (fs *Filesys) WriteFile(path string, data []byte) (int, error) {
	if err := fs.CreateFile(path, 0); err != nil && !errors.Is(err, directory.ErrExists) {
		return 0, err
	}

	in, err := fs.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return in.WriteAt(data, 0)
}
