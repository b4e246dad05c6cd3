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

// Package workerhash picks a consistent fallback worker for a scoped
// admin order (a proxy_id with no worker currently advertising that
// exact id — e.g. mid-upgrade reshuffle) using rendezvous hashing, so
// repeated calls for the same proxy_id land on the same worker as long
// as it stays in the Running set. It is a thin, deterministic
// refinement of target-set computation in the fan-out dispatcher; it
// never engages when proxy_id matches a worker directly.
package workerhash

import (
	"sort"
	"strconv"

	"github.com/dgryski/go-rendezvous"
)

// Ring picks a worker id out of a candidate set for a given key.
type Ring struct {
	members []uint32
	hash    *rendezvous.Rendezvous
}

// New builds a Ring over the given Running worker ids.
func New(workerIDs []uint32) *Ring {
	members := append([]uint32(nil), workerIDs...)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	names := make([]string, len(members))
	for i, id := range members {
		names[i] = strconv.FormatUint(uint64(id), 10)
	}
	hasher := func(s string) uint64 { return fnv64a(s) }
	return &Ring{members: members, hash: rendezvous.New(names, hasher)}
}

// Pick returns the worker id rendezvous hashing assigns key to. It
// returns (0, false) when the ring has no members.
func (r *Ring) Pick(key string) (uint32, bool) {
	if len(r.members) == 0 {
		return 0, false
	}
	name := r.hash.Lookup(key)
	id, err := strconv.ParseUint(name, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// fnv64a is the hash function handed to rendezvous.New: a plain
// allocation-free FNV-1a, the same choice the corpus's churn telemetry
// package makes for its own deterministic per-key sampling.
func fnv64a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
