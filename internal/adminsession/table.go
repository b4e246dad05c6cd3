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

// Package adminsession tracks admin-client connections: their framing
// state and the set of request ids awaiting a terminal reply. Sessions
// are held in an integer-keyed slab rather than a pointer graph, the
// token being the fd the event loop registered with the poller.
package adminsession

import (
	"time"

	"proxymaster/internal/frame"
)

// MaxSessions is the hard cap on concurrent admin connections.
const MaxSessions = 128

// Session is one admin-client connection.
type Session struct {
	Token      int
	Channel    *frame.Channel
	PendingIDs map[string]struct{}
	LastActive time.Time
}

// newSession constructs a Session wrapping ch, registered under token.
func newSession(token int, ch *frame.Channel) *Session {
	return &Session{
		Token:      token,
		Channel:    ch,
		PendingIDs: map[string]struct{}{},
		LastActive: time.Now(),
	}
}

// AddMessageID records that this session originated request id. The
// session completes the id once a terminal AdminAnswer for it is
// written.
func (s *Session) AddMessageID(id string) { s.PendingIDs[id] = struct{}{} }

// CompleteMessageID removes id from PendingIDs, e.g. after a terminal
// AdminAnswer has been queued for the client.
func (s *Session) CompleteMessageID(id string) { delete(s.PendingIDs, id) }

// Table is the slab of active admin sessions, keyed by poller token.
type Table struct {
	sessions map[int]*Session
	max      int
}

// NewTable returns an empty Table with the default MaxSessions cap.
func NewTable() *Table { return NewTableWithCap(MaxSessions) }

// NewTableWithCap returns an empty Table with a caller-chosen cap, used
// by tests that want to exercise the boundary without 128 connections.
func NewTableWithCap(max int) *Table {
	return &Table{sessions: map[int]*Session{}, max: max}
}

// Len reports the number of currently tracked sessions.
func (t *Table) Len() int { return len(t.sessions) }

// Full reports whether the table is at its cap; the event loop closes
// the connection immediately rather than calling Add.
func (t *Table) Full() bool { return len(t.sessions) >= t.max }

// Add registers a new session for ch under token. It returns false
// without adding anything if the table is already full.
func (t *Table) Add(token int, ch *frame.Channel) (*Session, bool) {
	if t.Full() {
		return nil, false
	}
	s := newSession(token, ch)
	t.sessions[token] = s
	return s, true
}

// Get returns the session for token, if any.
func (t *Table) Get(token int) (*Session, bool) {
	s, ok := t.sessions[token]
	return s, ok
}

// Remove drops the session for token. The caller is responsible for
// closing its channel first.
func (t *Table) Remove(token int) { delete(t.sessions, token) }

// ForEach iterates every tracked session. f must not mutate the table.
func (t *Table) ForEach(f func(*Session)) {
	for _, s := range t.sessions {
		f(s)
	}
}

// SubscribersOf returns the tokens of every session whose PendingIDs
// contains id. A single id may have more than one subscriber only in
// the degenerate case of colliding client-chosen ids across distinct
// connections; ordinarily it is zero or one.
func (t *Table) SubscribersOf(id string) []int {
	var out []int
	for token, s := range t.sessions {
		if _, ok := s.PendingIDs[id]; ok {
			out = append(out, token)
		}
	}
	return out
}
