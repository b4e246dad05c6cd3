// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"proxymaster/internal/wire"
)

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr string
	Key  string // defaults to "proxymaster:state" if empty
}

// redisClient is the minimal surface RedisBackend needs, so tests can
// swap in a fake without a live server, mirroring the
// persistence.RedisEvaler seam this package is modeled on.
type redisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// RedisBackend stores the order stream as a single JSON blob under one
// key (no version component), for operators who centralize snapshots across several masters during
// migrations. It is additive: SaveState/LoadState behave identically to
// the file backend from the caller's point of view, only the storage
// location differs.
type RedisBackend struct {
	client redisClient
	key    string
}

// NewRedisBackend builds a RedisBackend. If opts.Addr is empty it falls
// back to a logging stub so the backend is selectable without a live
// Redis instance, the same fallback posture
// persistence.BuildPersister's "redis" case takes.
func NewRedisBackend(opts RedisOptions) *RedisBackend {
	key := opts.Key
	if key == "" {
		key = "proxymaster:state"
	}
	var client redisClient
	if opts.Addr != "" {
		client = &goRedisClient{c: redis.NewClient(&redis.Options{Addr: opts.Addr})}
	} else {
		client = loggingRedisClient{}
	}
	return &RedisBackend{client: client, key: key}
}

// Save marshals orders as one JSON array and stores it under the
// configured key.
func (b *RedisBackend) Save(ctx context.Context, orders []wire.Order) error {
	data, err := json.Marshal(orders)
	if err != nil {
		return fmt.Errorf("statestore: marshal orders: %w", err)
	}
	if err := b.client.Set(ctx, b.key, data); err != nil {
		return fmt.Errorf("statestore: redis set %q: %w", b.key, err)
	}
	return nil
}

// Load reads and unmarshals the order array stored under the configured
// key.
func (b *RedisBackend) Load(ctx context.Context) ([]wire.Order, error) {
	data, err := b.client.Get(ctx, b.key)
	if err != nil {
		return nil, fmt.Errorf("statestore: redis get %q: %w", b.key, err)
	}
	var orders []wire.Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("statestore: unmarshal orders: %w", err)
	}
	for i := range orders {
		orders[i].UnmarshalKind()
	}
	return orders, nil
}

// goRedisClient adapts github.com/redis/go-redis/v9 to redisClient.
type goRedisClient struct{ c *redis.Client }

func (g *goRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	return g.c.Get(ctx, key).Bytes()
}

func (g *goRedisClient) Set(ctx context.Context, key string, value []byte) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

// loggingRedisClient is a dependency-free stand-in, used when no address
// is configured, matching persistence.LoggingRedisEvaler's role.
type loggingRedisClient struct{}

func (loggingRedisClient) Get(_ context.Context, key string) ([]byte, error) {
	return nil, fmt.Errorf("statestore: no redis address configured, cannot load %q", key)
}

func (loggingRedisClient) Set(_ context.Context, key string, value []byte) error {
	fmt.Printf("[statestore-redis-demo] SET %s (%d bytes)\n", key, len(value))
	return nil
}
