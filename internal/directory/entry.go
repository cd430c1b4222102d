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

package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
	"github.com/FlappyCode/sectorfs/internal/inode"
)

// On-disk entry layout, packed at consecutive offsets in the directory
// inode:
//
//	inode sector  uint32, little-endian
//	name          NameMax+1 bytes, NUL-terminated
//	in use        1 byte
const entrySize = 4 + (NameMax + 1) + 1

type entry struct {
	sector blockdev.SectorID
	name   [NameMax + 1]byte
	inUse  bool
}

func (e *entry) nameString() string {
	if i := bytes.IndexByte(e.name[:], 0); i >= 0 {
		return string(e.name[:i])
	}
	return string(e.name[:NameMax])
}

// readEntryAt reads the entry at the given byte offset. ok is false on a
// short read, which only happens at end of file.
func readEntryAt(in *inode.Inode, ofs int64) (e *entry, ok bool, err error) {
	var buf [entrySize]byte
	n, err := in.ReadAt(buf[:], ofs)
	if err != nil {
		return nil, false, fmt.Errorf("read directory entry: %w", err)
	}
	if n < entrySize {
		return nil, false, nil
	}

	e = &entry{
		sector: blockdev.SectorID(binary.LittleEndian.Uint32(buf[0:])),
		inUse:  buf[entrySize-1] != 0,
	}
	copy(e.name[:], buf[4:4+NameMax+1])
	return e, true, nil
}

func writeEntryAt(in *inode.Inode, ofs int64, e *entry) error {
	var buf [entrySize]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.sector))
	copy(buf[4:], e.name[:])
	if e.inUse {
		buf[entrySize-1] = 1
	}

	n, err := in.WriteAt(buf[:], ofs)
	if err != nil {
		return fmt.Errorf("write directory entry: %w", err)
	}
	if n != entrySize {
		return fmt.Errorf("write directory entry: short write of %d bytes", n)
	}
	return nil
}
