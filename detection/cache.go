// go-pn5180
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: LGPL-3.0-or-later
//
// This file is part of go-pn5180.
//
// go-pn5180 is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; either
// version 3 of the License, or (at your option) any later version.
//
// go-pn5180 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with go-pn5180; if not, write to the Free Software Foundation,
// Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1301, USA.

package detection

import (
	"time"

	"github.com/ZaparooProject/go-pn5180/internal/syncutil"
)

// cacheEntry holds cached detection results for one transport.
type cacheEntry struct {
	timestamp time.Time
	devices   []DeviceInfo
}

// detectionCache stores recent detection results keyed by transport name.
type detectionCache struct {
	entries map[string]cacheEntry
	mu      syncutil.RWMutex
}

// cache is the package-level detection cache shared by all detectors.
var cache = &detectionCache{
	entries: make(map[string]cacheEntry),
}

// get returns cached devices for a transport if present and fresher
// than ttl. The returned slice is a copy; callers may modify it.
func (c *detectionCache) get(transport string, ttl time.Duration) ([]DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[transport]
	if !found {
		return nil, false
	}

	if time.Since(entry.timestamp) > ttl {
		return nil, false
	}

	devices := make([]DeviceInfo, len(entry.devices))
	copy(devices, entry.devices)
	return devices, true
}

// set stores detection results for a transport. The slice is copied so
// later mutation by the caller cannot corrupt the cache.
func (c *detectionCache) set(transport string, devices []DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached := make([]DeviceInfo, len(devices))
	copy(cached, devices)

	c.entries[transport] = cacheEntry{
		devices:   cached,
		timestamp: time.Now(),
	}
}

// clear removes all cached results.
func (c *detectionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// clearTransport removes cached results for a single transport.
func (c *detectionCache) clearTransport(transport string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, transport)
}
