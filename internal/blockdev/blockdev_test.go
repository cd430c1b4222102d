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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDeviceReadWrite(t *testing.T) {
	d := NewMemDevice(16)
	assert.Equal(t, uint32(16), d.SectorCount())

	buf := make([]byte, SectorSize)
	buf[0] = 0xAA
	require.NoError(t, d.WriteSector(3, buf))

	got := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(3, got))
	assert.Equal(t, buf, got)

	assert.Equal(t, 1, d.WriteCount(3))
	assert.Equal(t, 1, d.ReadCount(3))
}

func TestMemDeviceBounds(t *testing.T) {
	d := NewMemDevice(4)
	buf := make([]byte, SectorSize)

	assert.Error(t, d.ReadSector(4, buf))
	assert.Error(t, d.WriteSector(4, buf))
	assert.Error(t, d.ReadSector(0, make([]byte, 100)))
}

func TestMemDeviceErrorInjection(t *testing.T) {
	d := NewMemDevice(4)
	boom := errors.New("boom")
	d.SetErrHook(func(write bool, sector SectorID) error {
		if write && sector == 2 {
			return boom
		}
		return nil
	})

	buf := make([]byte, SectorSize)
	assert.NoError(t, d.WriteSector(1, buf))
	assert.ErrorIs(t, d.WriteSector(2, buf), boom)
	assert.NoError(t, d.ReadSector(2, buf))

	// A failed write leaves no trace.
	assert.Equal(t, 0, d.WriteCount(2))
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFileDevice(path, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), d.SectorCount())

	buf := make([]byte, SectorSize)
	for i := range buf {
		buf[i] = 0x5A
	}
	require.NoError(t, d.WriteSector(31, buf))
	require.NoError(t, d.Close())

	// Reopen and read back.
	d, err = OpenFileDevice(path)
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, uint32(32), d.SectorCount())

	got := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(31, got))
	assert.Equal(t, buf, got)

	require.NoError(t, d.ReadSector(0, got))
	assert.Equal(t, make([]byte, SectorSize), got)
}

func TestCreateFileDeviceRefusesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFileDevice(path, 8)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = CreateFileDevice(path, 8)
	assert.Error(t, err)
}

func TestOpenFileDeviceRejectsRaggedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := CreateFileDevice(path, 8)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	// Truncate to a non-sector-multiple size.
	require.NoError(t, os.Truncate(path, SectorSize*8-100))
	_, err = OpenFileDevice(path)
	assert.Error(t, err)
}
