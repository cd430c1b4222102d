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
	"fmt"
	"os"
)

// A FileDevice is a Device backed by a regular file (a disk image). The file
// size must be a whole number of sectors. os.File is safe for concurrent
// ReadAt/WriteAt, so no additional locking is needed here.
type FileDevice struct {
	f           *os.File
	sectorCount uint32
}

var _ Device = &FileDevice{}

// OpenFileDevice opens the disk image at the given path.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk image: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk image: %w", err)
	}
	if fi.Size()%SectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("disk image size %d is not a multiple of %d", fi.Size(), SectorSize)
	}

	return &FileDevice{
		f:           f,
		sectorCount: uint32(fi.Size() / SectorSize),
	}, nil
}

// CreateFileDevice creates a zero-filled disk image of the given size at the
// given path, failing if it already exists.
func CreateFileDevice(path string, sectorCount uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create disk image: %w", err)
	}
	if err := f.Truncate(int64(sectorCount) * SectorSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size disk image: %w", err)
	}

	return &FileDevice{
		f:           f,
		sectorCount: sectorCount,
	}, nil
}

func (d *FileDevice) ReadSector(sector SectorID, buf []byte) error {
	if err := checkSector(sector, d.sectorCount, buf); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("read sector %d: %w", sector, err)
	}
	return nil
}

func (d *FileDevice) WriteSector(sector SectorID, buf []byte) error {
	if err := checkSector(sector, d.sectorCount, buf); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("write sector %d: %w", sector, err)
	}
	return nil
}

func (d *FileDevice) SectorCount() uint32 {
	return d.sectorCount
}

// Close syncs and closes the underlying image file.
func (d *FileDevice) Close() error {
	if err := d.f.Sync(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
