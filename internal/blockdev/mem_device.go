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

package blockdev

import (
	"sync"
)

// A MemDevice is an in-memory Device for tests. Besides the Device contract
// it counts reads and writes per sector and supports error injection, so
// tests can observe write-back and exercise failure paths.
type MemDevice struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	sectors [][]byte

	// GUARDED_BY(mu)
	readCount map[SectorID]int

	// GUARDED_BY(mu)
	writeCount map[SectorID]int

	// When non-nil, consulted before every operation. Returning a non-nil
	// error fails the operation without touching the device.
	//
	// GUARDED_BY(mu)
	errHook func(write bool, sector SectorID) error
}

var _ Device = &MemDevice{}

// NewMemDevice creates a zero-filled in-memory device with the given number
// of sectors.
func NewMemDevice(sectorCount uint32) *MemDevice {
	d := &MemDevice{
		sectors:    make([][]byte, sectorCount),
		readCount:  make(map[SectorID]int),
		writeCount: make(map[SectorID]int),
	}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, SectorSize)
	}

	return d
}

func (d *MemDevice) ReadSector(sector SectorID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkSector(sector, uint32(len(d.sectors)), buf); err != nil {
		return err
	}
	if d.errHook != nil {
		if err := d.errHook(false, sector); err != nil {
			return err
		}
	}

	d.readCount[sector]++
	copy(buf, d.sectors[sector])
	return nil
}

func (d *MemDevice) WriteSector(sector SectorID, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := checkSector(sector, uint32(len(d.sectors)), buf); err != nil {
		return err
	}
	if d.errHook != nil {
		if err := d.errHook(true, sector); err != nil {
			return err
		}
	}

	d.writeCount[sector]++
	copy(d.sectors[sector], buf)
	return nil
}

func (d *MemDevice) SectorCount() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint32(len(d.sectors))
}

// SetErrHook installs (or clears, with nil) the error-injection hook.
func (d *MemDevice) SetErrHook(hook func(write bool, sector SectorID) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errHook = hook
}

// ReadCount returns how many times the given sector has been read.
func (d *MemDevice) ReadCount(sector SectorID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readCount[sector]
}

// WriteCount returns how many times the given sector has been written.
func (d *MemDevice) WriteCount(sector SectorID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCount[sector]
}

// SectorContents returns a copy of the given sector's current contents,
// bypassing any cache layered above the device.
func (d *MemDevice) SectorContents(sector SectorID) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, SectorSize)
	copy(out, d.sectors[sector])
	return out
}
