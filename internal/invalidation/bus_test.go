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

package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type received struct {
	mu    sync.Mutex
	users []string
}

func (r *received) handle(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func (r *received) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...)
}

func setupBus(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// TestPurpose: Validates that invalidations published by one instance reach another.
// Scope: Unit Test
// Security: Revoked permissions must stop being served by every instance.
// Expected: Subscriber sees the user id and an empty id for "all"; its own messages are skipped.
// Test Case ID: INV-01
func TestBus_PublishAndRun(t *testing.T) {
	mr, client := setupBus(t)

	subscriber := New(client, "", nil)
	publisher := New(client, "", nil)
	require.NotEqual(t, subscriber.InstanceID(), publisher.InstanceID())

	got := &received{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(ctx, got.handle) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, subscriber.Publish(context.Background(), "self"))
	require.NoError(t, publisher.Publish(context.Background(), "user-1"))
	require.NoError(t, publisher.Publish(context.Background(), ""))

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"user-1", ""}, got.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

// TestPurpose: Validates that malformed payloads are discarded without stopping the subscriber.
// Scope: Unit Test
// Expected: Garbage is skipped and the next valid message is delivered.
// Test Case ID: INV-02
func TestBus_MalformedMessage(t *testing.T) {
	mr, client := setupBus(t)

	bus := New(client, "custom", nil)
	got := &received{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, got.handle) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub("custom")["custom"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish("custom", "not json")
	mr.Publish("custom", `{"instance":"other","userId":"user-2"}`)

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"user-2"}, got.snapshot())

	cancel()
	<-done
}

// TestPurpose: Validates client construction errors.
// Scope: Unit Test
// Expected: Invalid URL and unreachable server both fail.
// Test Case ID: INV-03
func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), "::not-a-url")
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewClient(ctx, "redis://"+addr)
	assert.Error(t, err)
}
