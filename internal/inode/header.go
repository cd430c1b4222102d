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
	"encoding/binary"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
)

// On-disk layout. An inode header is exactly one sector:
//
//	sectors[125]  little-endian uint32 block pointers
//	length        int32, file length in bytes
//	type          int32, 0 = file, 1 = directory
//	magic         uint32, inodeMagic
//
// The first 123 pointers address data blocks directly; pointer 123 is a
// single-indirect block (a sector of 128 pointers) and pointer 124 a
// double-indirect block. A zero pointer means the block has never been
// allocated; reads of such holes yield zeros.
const (
	// SectorPtrCnt is how many pointers fit in one sector.
	SectorPtrCnt = blockdev.SectorSize / 4

	// BlockPtrCnt is how many pointers the header holds inline.
	BlockPtrCnt = SectorPtrCnt - 3

	IndirectBlockCnt       = 1
	DoubleIndirectBlockCnt = 1
	DataBlockCnt           = BlockPtrCnt - IndirectBlockCnt - DoubleIndirectBlockCnt

	// MaxLength is the largest representable file, in bytes.
	MaxLength = (DataBlockCnt +
		SectorPtrCnt*IndirectBlockCnt +
		SectorPtrCnt*SectorPtrCnt*DoubleIndirectBlockCnt) * blockdev.SectorSize

	inodeMagic = 0x494e4f44

	typeFile = 0
	typeDir  = 1

	lengthOff = BlockPtrCnt * 4
	typeOff   = lengthOff + 4
	magicOff  = typeOff + 4
)

// ptrAt reads pointer idx out of a header or index-block page.
func ptrAt(page []byte, idx int64) blockdev.SectorID {
	return blockdev.SectorID(binary.LittleEndian.Uint32(page[idx*4:]))
}

func setPtrAt(page []byte, idx int64, sector blockdev.SectorID) {
	binary.LittleEndian.PutUint32(page[idx*4:], uint32(sector))
}

func lengthOf(page []byte) int64 {
	return int64(int32(binary.LittleEndian.Uint32(page[lengthOff:])))
}

func setLengthOf(page []byte, length int64) {
	binary.LittleEndian.PutUint32(page[lengthOff:], uint32(int32(length)))
}

func typeOf(page []byte) int32 {
	return int32(binary.LittleEndian.Uint32(page[typeOff:]))
}

func setTypeOf(page []byte, t int32) {
	binary.LittleEndian.PutUint32(page[typeOff:], uint32(t))
}

func magicOf(page []byte) uint32 {
	return binary.LittleEndian.Uint32(page[magicOff:])
}

func setMagicOf(page []byte, magic uint32) {
	binary.LittleEndian.PutUint32(page[magicOff:], magic)
}
