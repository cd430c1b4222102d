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

package filesys

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
)

// superblockMagic identifies a formatted sectorfs volume ("SFS1").
const superblockMagic = 0x53465331

// The superblock occupies sector 0:
//
//	magic            uint32
//	sector count     uint32
//	free map start   uint32
//	free map sectors uint32
//	root dir sector  uint32
//	format time      int64, unix seconds
type Superblock struct {
	SectorCount    uint32
	FreeMapStart   blockdev.SectorID
	FreeMapSectors uint32
	RootSector     blockdev.SectorID
	FormatTime     time.Time
}

func (sb *Superblock) encode(page []byte) {
	binary.LittleEndian.PutUint32(page[0:], superblockMagic)
	binary.LittleEndian.PutUint32(page[4:], sb.SectorCount)
	binary.LittleEndian.PutUint32(page[8:], uint32(sb.FreeMapStart))
	binary.LittleEndian.PutUint32(page[12:], sb.FreeMapSectors)
	binary.LittleEndian.PutUint32(page[16:], uint32(sb.RootSector))
	binary.LittleEndian.PutUint64(page[20:], uint64(sb.FormatTime.Unix()))
}

func decodeSuperblock(page []byte) (*Superblock, error) {
	if m := binary.LittleEndian.Uint32(page[0:]); m != superblockMagic {
		return nil, fmt.Errorf("bad superblock magic %#x: not a sectorfs volume", m)
	}

	return &Superblock{
		SectorCount:    binary.LittleEndian.Uint32(page[4:]),
		FreeMapStart:   blockdev.SectorID(binary.LittleEndian.Uint32(page[8:])),
		FreeMapSectors: binary.LittleEndian.Uint32(page[12:]),
		RootSector:     blockdev.SectorID(binary.LittleEndian.Uint32(page[16:])),
		FormatTime:     time.Unix(int64(binary.LittleEndian.Uint64(page[20:])), 0).UTC(),
	}, nil
}
