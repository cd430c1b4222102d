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

// Package blockdev provides the sector-addressed device that the rest of the
// filesystem is layered on. Devices are synchronous: a returned write has
// reached the backing store as far as this layer is concerned.
package blockdev

import (
	"fmt"
)

// SectorSize is the size in bytes of every device sector.
const SectorSize = 512

// A SectorID addresses one sector on a device. Inside filesystem metadata
// the zero value means "no sector".
type SectorID uint32

// A Device is a fixed-size array of sectors addressable for reading and
// writing. Implementations must be safe for concurrent use.
type Device interface {
	// ReadSector reads the given sector into buf. buf must be exactly
	// SectorSize bytes.
	ReadSector(sector SectorID, buf []byte) error

	// WriteSector writes buf to the given sector. buf must be exactly
	// SectorSize bytes.
	WriteSector(sector SectorID, buf []byte) error

	// SectorCount returns the number of sectors on the device.
	SectorCount() uint32
}

func checkSector(sector SectorID, count uint32, buf []byte) error {
	if uint32(sector) >= count {
		return fmt.Errorf("sector %d out of range [0, %d)", sector, count)
	}
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer size %d, want %d", len(buf), SectorSize)
	}
	return nil
}
