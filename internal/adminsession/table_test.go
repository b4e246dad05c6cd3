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

package adminsession

import "testing"

func TestTableAcceptsExactlyMaxSessions(t *testing.T) {
	tbl := NewTableWithCap(128)
	for i := 0; i < 128; i++ {
		if _, ok := tbl.Add(i, nil); !ok {
			t.Fatalf("session %d: expected Add to succeed under the cap", i)
		}
	}
	if !tbl.Full() {
		t.Fatalf("expected table to report full at exactly the cap")
	}
	if _, ok := tbl.Add(128, nil); ok {
		t.Fatalf("expected the 129th session to be rejected")
	}
	if tbl.Len() != 128 {
		t.Fatalf("expected Len() == 128, got %d", tbl.Len())
	}
}

func TestAddMessageIDAndComplete(t *testing.T) {
	tbl := NewTableWithCap(4)
	sess, ok := tbl.Add(1, nil)
	if !ok {
		t.Fatalf("expected Add to succeed")
	}
	sess.AddMessageID("r1")
	if subs := tbl.SubscribersOf("r1"); len(subs) != 1 || subs[0] != 1 {
		t.Fatalf("expected token 1 subscribed to r1, got %v", subs)
	}
	sess.CompleteMessageID("r1")
	if subs := tbl.SubscribersOf("r1"); len(subs) != 0 {
		t.Fatalf("expected no subscribers after completion, got %v", subs)
	}
}

func TestRemoveDropsSession(t *testing.T) {
	tbl := NewTableWithCap(4)
	tbl.Add(1, nil)
	tbl.Remove(1)
	if _, ok := tbl.Get(1); ok {
		t.Fatalf("expected session to be gone after Remove")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table, got len %d", tbl.Len())
	}
}
