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

// Package directory layers hierarchical naming on top of inodes. A
// directory is an inode holding a packed sequence of fixed-size entries;
// every directory carries "." and ".." entries that the public API will
// not remove.
package directory

import (
	"errors"
	"fmt"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/inode"
)

// NameMax is the longest permitted entry name, in bytes.
const NameMax = 14

var (
	ErrInvalidName = errors.New("invalid name")
	ErrExists      = errors.New("name already exists")
	ErrNotFound    = errors.New("no such entry")
	ErrNotDir      = errors.New("not a directory")

	// ErrBusy means a directory could not be removed because it is open
	// elsewhere or not empty.
	ErrBusy = errors.New("directory busy or not empty")
)

// A Dir is an open directory: an inode plus a read cursor. The cursor is
// only used by ReadDir; every other operation addresses entries by name.
// Not safe for concurrent use of the same Dir; distinct Dirs over the same
// inode are fine, the per-inode lock serializes mutation.
type Dir struct {
	inode *inode.Inode
	pos   int64
}

// Open wraps an inode in a Dir, taking ownership of the handle. The handle
// is closed on failure.
func Open(in *inode.Inode) (*Dir, error) {
	if in == nil {
		return nil, ErrNotFound
	}

	isDir, err := in.IsDir()
	if err != nil {
		in.Close()
		return nil, err
	}
	if !isDir {
		in.Close()
		return nil, ErrNotDir
	}

	return &Dir{inode: in}, nil
}

// OpenRoot opens the root directory.
func OpenRoot(r *inode.Registry, root blockdev.SectorID) (*Dir, error) {
	return Open(r.Open(root))
}

// Reopen returns an independent Dir over the same inode, with its own
// cursor.
func (d *Dir) Reopen() (*Dir, error) {
	return Open(d.inode.Reopen())
}

// Close releases the directory's inode.
func (d *Dir) Close() error {
	if d == nil {
		return nil
	}
	return d.inode.Close()
}

// Inode returns the directory's backing inode, still owned by the Dir.
func (d *Dir) Inode() *inode.Inode {
	return d.inode
}

// Create makes a new directory inode at the given sector with "." and ".."
// entries pointing at itself and parent. On failure the sector's inode is
// removed again.
func Create(r *inode.Registry, sector, parent blockdev.SectorID) error {
	in, err := r.Create(sector, true)
	if err != nil {
		return fmt.Errorf("create directory inode: %w", err)
	}

	writeDefault := func(slot int64, name string, target blockdev.SectorID) error {
		e := entry{sector: target, inUse: true}
		copy(e.name[:], name)
		return writeEntryAt(in, slot*entrySize, &e)
	}

	err = writeDefault(0, ".", sector)
	if err == nil {
		err = writeDefault(1, "..", parent)
	}
	if err != nil {
		in.Remove()
		in.Close()
		return fmt.Errorf("write default entries: %w", err)
	}

	return in.Close()
}

// Lookup finds the named entry and opens its inode. The caller owns the
// returned handle.
func (d *Dir) Lookup(name string) (*inode.Inode, error) {
	d.inode.AcquireLock()
	defer d.inode.ReleaseLock()

	e, _, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	return d.inode.Registry().Open(e.sector), nil
}

// Add writes an entry binding name to the inode whose header is at the
// given sector, reusing the first dead slot or extending the directory.
func (d *Dir) Add(name string, sector blockdev.SectorID) error {
	if len(name) == 0 || len(name) > NameMax {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	d.inode.AcquireLock()
	defer d.inode.ReleaseLock()

	if _, _, err := d.lookup(name); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, name)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	// First free slot, or end of file if there is none. A short read from
	// the directory inode only happens at end of file.
	ofs := int64(0)
	for {
		e, ok, err := readEntryAt(d.inode, ofs)
		if err != nil {
			return err
		}
		if !ok || !e.inUse {
			break
		}
		ofs += entrySize
	}

	e := entry{sector: sector, inUse: true}
	copy(e.name[:], name)
	return writeEntryAt(d.inode, ofs, &e)
}

// Remove deletes the named entry and marks its inode for destruction on
// last close. "." and ".." are untouchable. A directory is removable only
// while not open anywhere else and empty apart from its default entries.
func (d *Dir) Remove(name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	d.inode.AcquireLock()
	defer d.inode.ReleaseLock()

	e, ofs, err := d.lookup(name)
	if err != nil {
		return err
	}

	target := d.inode.Registry().Open(e.sector)
	defer target.Close()

	isDir, err := target.IsDir()
	if err != nil {
		return err
	}
	if isDir {
		// Our handle is one of the opens, so "open elsewhere" means more
		// than one.
		if target.OpenCount() > 1 {
			return fmt.Errorf("%w: %q is open", ErrBusy, name)
		}

		empty, err := isEmptyDir(target)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %q is not empty", ErrBusy, name)
		}
	}

	e.inUse = false
	if err := writeEntryAt(d.inode, ofs, &e); err != nil {
		return err
	}

	target.Remove()
	return nil
}

// ReadDir returns the name of the next live entry, skipping "." and "..".
// ok is false once the directory is exhausted.
func (d *Dir) ReadDir() (name string, ok bool, err error) {
	d.inode.AcquireLock()
	defer d.inode.ReleaseLock()

	for {
		e, more, err := readEntryAt(d.inode, d.pos)
		if err != nil {
			return "", false, err
		}
		if !more {
			return "", false, nil
		}
		d.pos += entrySize

		if !e.inUse {
			continue
		}
		n := e.nameString()
		if n == "." || n == ".." {
			continue
		}
		return n, true, nil
	}
}

// ResetCursor rewinds ReadDir to the beginning.
func (d *Dir) ResetCursor() {
	d.inode.AcquireLock()
	defer d.inode.ReleaseLock()
	d.pos = 0
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// lookup scans for a live entry with the given name, returning it and its
// byte offset.
//
// LOCKS_REQUIRED(d.inode)
func (d *Dir) lookup(name string) (*entry, int64, error) {
	for ofs := int64(0); ; ofs += entrySize {
		e, ok, err := readEntryAt(d.inode, ofs)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if e.inUse && e.nameString() == name {
			return e, ofs, nil
		}
	}
}

// isEmptyDir reports whether the directory inode holds no live entries
// besides "." and "..".
func isEmptyDir(in *inode.Inode) (bool, error) {
	live := 0
	for ofs := int64(0); ; ofs += entrySize {
		e, ok, err := readEntryAt(in, ofs)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if e.inUse {
			live++
			if live > 2 {
				return false, nil
			}
		}
	}
}
