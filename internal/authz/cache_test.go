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

package authz_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/permgate/internal/authz"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, cfg authz.CacheConfig, clock *fakeClock) *authz.Cache {
	t.Helper()
	c, err := authz.NewCache(cfg, authz.WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func userProfile(id string) *authz.Profile {
	return authz.NewProfile(authz.ProfileInput{UserID: id, Active: true})
}

// TestPurpose: Validates that entries expire exactly at their TTL.
// Scope: Unit Test
// Security: Bounded staleness after a permission downgrade
// Expected: Entry is returned before the TTL and absent (and removed) at the TTL.
// Test Case ID: CAC-01
func TestCache_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, authz.CacheConfig{TTL: time.Minute, MaxSize: 10, Enabled: true}, clock)

	c.Put("u1", userProfile("u1"))

	clock.Advance(59 * time.Second)
	p, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID())

	clock.Advance(time.Second)
	_, ok = c.Get("u1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "stale entry is removed on read")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

// TestPurpose: Validates that exceeding the maximum size evicts the oldest entries, never the newest.
// Scope: Unit Test
// Expected: After inserting max+2 entries the two oldest are gone and the newest remain.
// Test Case ID: CAC-02
func TestCache_EvictsOldest(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, authz.CacheConfig{TTL: time.Hour, MaxSize: 3, Enabled: true}, clock)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("u%d", i)
		c.Put(id, userProfile(id))
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, c.Len())
	for _, id := range []string{"u1", "u2"} {
		_, ok := c.Get(id)
		assert.False(t, ok, id)
	}
	for _, id := range []string{"u3", "u4", "u5"} {
		_, ok := c.Get(id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

// TestPurpose: Validates that refreshing an entry moves it to the newest position and that reads do not.
// Scope: Unit Test
// Expected: The re-put user survives eviction; a read-only user does not.
// Test Case ID: CAC-03
func TestCache_RefreshOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, authz.CacheConfig{TTL: time.Hour, MaxSize: 2, Enabled: true}, clock)

	c.Put("a", userProfile("a"))
	c.Put("b", userProfile("b"))
	_, _ = c.Get("a")
	c.Put("b", userProfile("b"))
	c.Put("c", userProfile("c"))

	_, ok := c.Get("a")
	assert.False(t, ok, "reads do not refresh position")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

// TestPurpose: Validates that cleanup removes expired entries before evicting live ones.
// Scope: Unit Test
// Expected: Expired entries go first; live entries are kept when that brings the cache under its limit.
// Test Case ID: CAC-04
func TestCache_CleanupPrefersExpired(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, authz.CacheConfig{TTL: time.Minute, MaxSize: 2, Enabled: true}, clock)

	c.Put("old", userProfile("old"))
	clock.Advance(2 * time.Minute)
	c.Put("x", userProfile("x"))
	c.Put("y", userProfile("y"))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("x")
	assert.True(t, ok)
	_, ok = c.Get("y")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	c.Cleanup()
	assert.Equal(t, 0, c.Len())
}

// TestPurpose: Validates invalidation and runtime reconfiguration.
// Scope: Unit Test
// Expected: Invalidate drops one user, InvalidateAll drops all, disabling turns Put into a no-op, shrinking evicts.
// Test Case ID: CAC-05
func TestCache_InvalidateAndConfigure(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, authz.DefaultCacheConfig(), clock)

	c.Put("a", userProfile("a"))
	c.Put("b", userProfile("b"))
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())

	c.Configure(authz.CacheConfig{TTL: time.Minute, MaxSize: 10, Enabled: false})
	c.Put("a", userProfile("a"))
	assert.Equal(t, 0, c.Len())
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Configure(authz.CacheConfig{TTL: time.Minute, MaxSize: 10, Enabled: true})
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("u%d", i)
		c.Put(id, userProfile(id))
	}
	c.Configure(authz.CacheConfig{TTL: time.Minute, MaxSize: 4, Enabled: true})
	assert.Equal(t, 4, c.Len())
	_, ok = c.Get("u9")
	assert.True(t, ok)

	cfg := c.Config()
	assert.Equal(t, 4, cfg.MaxSize)
	assert.Equal(t, time.Minute, cfg.TTL)
}

// TestPurpose: Validates that concurrent access does not corrupt entries.
// Scope: Unit Test
// Expected: Every reader sees either no entry or a profile for the requested user.
// Test Case ID: CAC-06
func TestCache_Concurrent(t *testing.T) {
	c, err := authz.NewCache(authz.CacheConfig{TTL: time.Minute, MaxSize: 50, Enabled: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("u%d", (w*200+i)%80)
				c.Put(id, userProfile(id))
				if p, ok := c.Get(id); ok {
					assert.Equal(t, id, p.UserID())
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

// TestPurpose: Validates that a profile loaded before an invalidation is not stored after it.
// Scope: Unit Test
// Security: Revoked permissions must not be re-cached from an older read
// Expected: PutAt with a stale epoch is refused; with the current epoch it stores.
// Test Case ID: CAC-07
func TestCache_PutAtEpoch(t *testing.T) {
	c := newTestCache(t, authz.DefaultCacheConfig(), newFakeClock())

	before := c.Epoch()
	c.Invalidate("a")
	assert.False(t, c.PutAt("a", userProfile("a"), before))
	_, ok := c.Get("a")
	assert.False(t, ok)

	current := c.Epoch()
	assert.True(t, c.PutAt("a", userProfile("a"), current))
	_, ok = c.Get("a")
	assert.True(t, ok)

	c.InvalidateAll()
	assert.False(t, c.PutAt("b", userProfile("b"), current))
	assert.Equal(t, 0, c.Len())
}
