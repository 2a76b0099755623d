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

package authz

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache defaults.
const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultCacheMaxSize = 1000
)

// CacheConfig controls cache behavior. It can be changed at runtime with
// Cache.Configure.
type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl" json:"ttl"`
	MaxSize int           `koanf:"max_size" json:"maxSize"`
	Enabled bool          `koanf:"enabled" json:"enabled"`
}

// DefaultCacheConfig returns the cache configuration used when none is given.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: DefaultCacheTTL, MaxSize: DefaultCacheMaxSize, Enabled: true}
}

func (c CacheConfig) normalized() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultCacheMaxSize
	}
	return c
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Size      int           `json:"size"`
	MaxSize   int           `json:"maxSize"`
	TTL       time.Duration `json:"ttl"`
	Enabled   bool          `json:"enabled"`
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	Evictions uint64        `json:"evictions"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cacheEntry struct {
	userID    string
	profile   *Profile
	timestamp time.Time
	ttl       time.Duration
}

func (e cacheEntry) valid(now time.Time) bool {
	return now.Sub(e.timestamp) < e.ttl
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithClock replaces time.Now as the cache's time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// Cache maps user ids to profile snapshots for a bounded time.
//
// Entries are kept in insertion order; re-putting a user moves it to the
// newest position. Reads never reorder.
type Cache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, cacheEntry]
	cfg     CacheConfig
	now     func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64

	// epoch advances on every invalidation.
	epoch uint64
}

// NewCache creates a cache. Zero TTL or size fall back to the defaults.
func NewCache(cfg CacheConfig, opts ...CacheOption) (*Cache, error) {
	cfg = cfg.normalized()
	// One spare slot so Put can overflow by one before cleanup runs.
	entries, err := simplelru.NewLRU[string, cacheEntry](cfg.MaxSize+1, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	c := &Cache{entries: entries, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached profile if present and not expired. An expired entry
// is removed.
func (c *Cache) Get(userID string) (*Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		c.misses++
		return nil, false
	}
	e, ok := c.entries.Peek(userID)
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.valid(c.now()) {
		c.entries.Remove(userID)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.profile, true
}

// Epoch returns the invalidation epoch. Capture it before loading a profile
// and store the result with PutAt.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Put stores profile for userID with the configured TTL.
func (c *Cache) Put(userID string, p *Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(userID, p)
}

// PutAt stores profile only if no invalidation happened since epoch was read.
// It reports whether the profile was stored.
func (c *Cache) PutAt(userID string, p *Profile, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	return c.putLocked(userID, p)
}

func (c *Cache) putLocked(userID string, p *Profile) bool {
	if !c.cfg.Enabled || p == nil {
		return false
	}
	// Remove first so a refresh moves the user to the newest position.
	c.entries.Remove(userID)
	c.entries.Add(userID, cacheEntry{
		userID:    userID,
		profile:   p,
		timestamp: c.now(),
		ttl:       c.cfg.TTL,
	})
	if c.entries.Len() > c.cfg.MaxSize {
		c.cleanupLocked()
	}
	return true
}

// Cleanup drops expired entries, then the oldest ones until the cache fits its
// maximum size.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Cache) cleanupLocked() {
	now := c.now()
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !e.valid(now) {
			c.entries.Remove(key)
			c.evictions++
		}
	}
	for c.entries.Len() > c.cfg.MaxSize {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
}

// Invalidate removes one user's entry.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(userID)
	c.epoch++
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.epoch++
}

// Configure applies cfg. Disabling the cache drops every entry; shrinking it
// evicts down to the new size. Existing entries keep the TTL they were stored
// with.
func (c *Cache) Configure(cfg CacheConfig) {
	cfg = cfg.normalized()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	if !cfg.Enabled {
		c.entries.Purge()
		c.epoch++
	}
	c.cleanupLocked()
	c.entries.Resize(cfg.MaxSize + 1)
}

// Config returns the active configuration.
func (c *Cache) Config() CacheConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Size:      c.entries.Len(),
		MaxSize:   c.cfg.MaxSize,
		TTL:       c.cfg.TTL,
		Enabled:   c.cfg.Enabled,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
