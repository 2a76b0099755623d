// Copyright 2026 The OpenTrusty Authors
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opentrusty/permgate/internal/authz"
)

// CacheStatsSource reports profile cache statistics.
type CacheStatsSource interface {
	Stats() authz.CacheStats
}

// CacheCollector exposes profile cache statistics to Prometheus.
type CacheCollector struct {
	source CacheStatsSource

	size      *prometheus.Desc
	maxSize   *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
	enabled   *prometheus.Desc
}

// NewCacheCollector creates a collector reading from source on every scrape.
func NewCacheCollector(source CacheStatsSource) *CacheCollector {
	const ns, sub = "permgate", "profile_cache"
	return &CacheCollector{
		source:    source,
		size:      prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "entries"), "Profiles currently cached.", nil, nil),
		maxSize:   prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "max_entries"), "Configured cache capacity.", nil, nil),
		hits:      prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "hits_total"), "Cache lookups served from memory.", nil, nil),
		misses:    prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "misses_total"), "Cache lookups that required a load.", nil, nil),
		evictions: prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "evictions_total"), "Entries removed by cleanup.", nil, nil),
		enabled:   prometheus.NewDesc(prometheus.BuildFQName(ns, sub, "enabled"), "1 when caching is enabled.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.maxSize
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.enabled
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()
	enabled := 0.0
	if s.Enabled {
		enabled = 1
	}
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.maxSize, prometheus.GaugeValue, float64(s.MaxSize))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, enabled)
}
