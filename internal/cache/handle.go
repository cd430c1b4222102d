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

package cache

import (
	"fmt"

	"github.com/FlappyCode/sectorfs/internal/blockdev"
)

// A Handle is a pinned reference to a cache slot, returned by Acquire with
// the slot's data lock held in the mode that was requested. While a handle
// is outstanding the slot keeps its sector binding. Release it exactly
// once.
type Handle struct {
	c *Cache
	s *slot

	// The sector the slot was bound to at acquire time. Stable for the
	// handle's lifetime.
	sector blockdev.SectorID

	// The mode the data lock is held in.
	exclusive bool
}

// Sector returns the sector this handle is pinned to.
func (h *Handle) Sector() blockdev.SectorID {
	return h.sector
}

// Data returns the slot's 512-byte page.
//
// With zeroFill set the page is filled with zeros and marked dirty without
// touching the device; this is for freshly allocated sectors, whose
// on-device content is garbage. Requires an exclusive handle.
//
// Without zeroFill the page is read from the device on first use. The load
// is serialized per slot, so concurrent sharers get a single read.
//
// The returned slice aliases the slot's page and is valid only until the
// handle is released. Callers may write through it only when holding the
// handle exclusively, and must then call MarkDirty.
func (h *Handle) Data(zeroFill bool) ([]byte, error) {
	s := h.s

	if zeroFill {
		if !h.exclusive {
			panic("cache: Data(zeroFill) on a shared handle")
		}
		clear(s.data[:])
		s.mu.Lock()
		s.hasData = true
		s.dirty = true
		s.accessed = true
		s.mu.Unlock()
		return s.data[:], nil
	}

	s.loadMu.Lock()
	s.mu.Lock()
	loaded := s.hasData
	s.mu.Unlock()

	if !loaded {
		if err := h.c.dev.ReadSector(h.sector, s.data[:]); err != nil {
			s.loadMu.Unlock()
			return nil, fmt.Errorf("load sector %d: %w", h.sector, err)
		}
		s.mu.Lock()
		s.hasData = true
		s.dirty = false
		s.mu.Unlock()
	}
	s.loadMu.Unlock()

	s.mu.Lock()
	s.accessed = true
	s.mu.Unlock()

	return s.data[:], nil
}

// MarkDirty records that the page differs from the device. Requires an
// exclusive handle whose page has been populated.
func (h *Handle) MarkDirty() {
	if !h.exclusive {
		panic("cache: MarkDirty on a shared handle")
	}

	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasData {
		panic("cache: MarkDirty on a slot with no data")
	}
	s.dirty = true
}

// Release drops the data lock in the mode it was acquired in.
func (h *Handle) Release() {
	s := h.s
	s.mu.Lock()
	s.sl.Release(h.exclusive)
	s.mu.Unlock()
}
