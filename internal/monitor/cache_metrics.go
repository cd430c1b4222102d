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

// Package monitor exposes counters for what the buffer cache is doing.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics receives one call per cache event. Implementations must be
// safe for concurrent use.
type CacheMetrics interface {
	// Hit is called when an acquire finds its sector already cached.
	Hit()

	// Miss is called when an acquire has to bind a slot to a new sector.
	Miss()

	// Eviction is called when the clock hand empties a victim slot.
	Eviction()

	// WriteBack is called when a dirty page is written to the device, by
	// eviction or by flush.
	WriteBack()
}

type noopCacheMetrics struct{}

func (noopCacheMetrics) Hit()       {}
func (noopCacheMetrics) Miss()      {}
func (noopCacheMetrics) Eviction()  {}
func (noopCacheMetrics) WriteBack() {}

// NewNoopCacheMetrics returns a CacheMetrics that discards every event.
func NewNoopCacheMetrics() CacheMetrics {
	return noopCacheMetrics{}
}

type prometheusCacheMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	writeBacks prometheus.Counter
}

// NewPrometheusCacheMetrics returns a CacheMetrics backed by prometheus
// counters registered with reg.
func NewPrometheusCacheMetrics(reg prometheus.Registerer) (CacheMetrics, error) {
	m := &prometheusCacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectorfs_cache_hit_count",
			Help: "Number of cache acquires served by an already-bound slot.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectorfs_cache_miss_count",
			Help: "Number of cache acquires that bound a slot to a new sector.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectorfs_cache_eviction_count",
			Help: "Number of slots emptied by the clock hand.",
		}),
		writeBacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sectorfs_cache_write_back_count",
			Help: "Number of dirty pages written to the device.",
		}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.writeBacks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *prometheusCacheMetrics) Hit()       { m.hits.Inc() }
func (m *prometheusCacheMetrics) Miss()      { m.misses.Inc() }
func (m *prometheusCacheMetrics) Eviction()  { m.evictions.Inc() }
func (m *prometheusCacheMetrics) WriteBack() { m.writeBacks.Inc() }
