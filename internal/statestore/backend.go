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

// Package statestore implements SaveState/LoadState as a pluggable
// Backend, selected by string name the way
// internal/ratelimiter/persistence.BuildPersister selects a persistence
// adapter. The default "file" backend writes a state file of
// newline+NUL-terminated JSON AdminMessages, each wrapping a
// ProxyConfiguration(Order), with ids following the pattern "SAVE-<n>".
package statestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"proxymaster/internal/wire"
)

// Backend persists and restores the order sequence that reconstructs a
// ConfigState.
type Backend interface {
	Save(ctx context.Context, orders []wire.Order) error
	Load(ctx context.Context) ([]wire.Order, error)
}

// BuildBackend constructs a Backend for the given adapter name.
// Supported adapters:
//   - "file" (default): the newline+NUL-terminated state file format at path.
//   - "redis": a single JSON blob under one Redis key, for operators
//     centralizing snapshots across several masters during migrations.
func BuildBackend(kind string, path string, opts RedisOptions) (Backend, error) {
	switch kind {
	case "", "file":
		return &FileBackend{Path: path}, nil
	case "redis":
		return NewRedisBackend(opts), nil
	default:
		return nil, fmt.Errorf("statestore: unknown backend %q", kind)
	}
}

// FileBackend is the default SaveState/LoadState implementation.
type FileBackend struct {
	Path string
}

// Save writes orders as a newline+NUL-terminated JSON AdminMessage
// stream and fsyncs.
func (b *FileBackend) Save(_ context.Context, orders []wire.Order) error {
	f, err := os.OpenFile(b.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304 -- operator-supplied state path
	if err != nil {
		return fmt.Errorf("statestore: open %q: %w", b.Path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i, o := range orders {
		msg := wire.AdminMessage{
			ID:   fmt.Sprintf("SAVE-%d", i),
			Data: wire.ConfigCommand{Kind: wire.CmdProxyConfiguration, Order: o},
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("statestore: marshal order %d: %w", i, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("statestore: write order %d: %w", i, err)
		}
		if _, err := w.Write([]byte{'\n', 0}); err != nil {
			return fmt.Errorf("statestore: write terminator %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("statestore: flush: %w", err)
	}
	return f.Sync()
}

// Load parses the same stream into an Order sequence. A parse error
// aborts the load partway through; orders already decoded before the
// failure are returned alongside the error so the caller can decide
// whether a partial load is acceptable. Diff orders already applied by
// the caller before the failure are not rolled back, so callers apply
// whatever Load managed to decode even when it also returns an error.
func (b *FileBackend) Load(_ context.Context) ([]wire.Order, error) {
	data, err := os.ReadFile(b.Path) // #nosec G304 -- operator-supplied state path
	if err != nil {
		return nil, fmt.Errorf("statestore: read %q: %w", b.Path, err)
	}

	var orders []wire.Order
	frames := bytes.Split(data, []byte{'\n', 0})
	for i, raw := range frames {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var msg wire.AdminMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return orders, fmt.Errorf("statestore: decode frame %d: %w", i, err)
		}
		msg.Data.Order.UnmarshalKind()
		orders = append(orders, msg.Data.Order)
	}
	return orders, nil
}
