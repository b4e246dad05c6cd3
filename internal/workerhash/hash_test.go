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

package workerhash

import "testing"

func TestPickIsStableAcrossCalls(t *testing.T) {
	r := New([]uint32{1, 2, 3})
	first, ok := r.Pick("tenant-42")
	if !ok {
		t.Fatalf("expected a pick from a non-empty ring")
	}
	for i := 0; i < 10; i++ {
		again, ok := r.Pick("tenant-42")
		if !ok || again != first {
			t.Fatalf("expected stable pick %d, got %d (ok=%v)", first, again, ok)
		}
	}
}

func TestEmptyRingPicksNothing(t *testing.T) {
	r := New(nil)
	if _, ok := r.Pick("tenant-42"); ok {
		t.Fatalf("expected no pick from an empty ring")
	}
}

func TestPickOnlyReturnsKnownMembers(t *testing.T) {
	members := []uint32{5, 9, 14}
	r := New(members)
	set := map[uint32]bool{5: true, 9: true, 14: true}
	for _, key := range []string{"a", "b", "c", "tenant-1", "tenant-2"} {
		id, ok := r.Pick(key)
		if !ok || !set[id] {
			t.Fatalf("pick for %q returned %d, not a ring member", key, id)
		}
	}
}
