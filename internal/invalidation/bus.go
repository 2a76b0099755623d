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

// Package invalidation broadcasts profile cache invalidations between
// instances over a Redis pub/sub channel.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/opentrusty/permgate/internal/observability/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "permgate:invalidate"

// AllUsers in a message means every cached profile.
const AllUsers = "*"

// Config holds Redis settings for the bus.
type Config struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Channel string `koanf:"channel"`
}

// Handler receives invalidations published by other instances.
// An empty userID means every user.
type Handler func(userID string)

type message struct {
	Instance string `json:"instance"`
	UserID   string `json:"userId"`
}

// Bus publishes and receives invalidation messages.
type Bus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *slog.Logger
}

// NewClient creates a Redis client from a redis:// URL and verifies it is reachable.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// New creates a bus on channel. Each bus gets its own instance id so it can
// ignore the messages it published itself.
func New(client *redis.Client, channel string, log *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     log.With(logger.Component("invalidation")),
	}
}

// InstanceID identifies this bus in published messages.
func (b *Bus) InstanceID() string { return b.instanceID }

// Publish announces that userID's profile changed. An empty userID
// invalidates everything.
func (b *Bus) Publish(ctx context.Context, userID string) error {
	if userID == "" {
		userID = AllUsers
	}
	payload, err := json.Marshal(message{Instance: b.instanceID, UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Run subscribes to the channel and calls handle for every message from other
// instances until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, handle Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before reporting readiness.
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.logger.Info("invalidation subscriber started", slog.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Warn("discarding malformed invalidation", logger.Error(err))
				continue
			}
			if m.Instance == b.instanceID {
				continue
			}
			userID := m.UserID
			if userID == AllUsers {
				userID = ""
			}
			handle(userID)
		}
	}
}
