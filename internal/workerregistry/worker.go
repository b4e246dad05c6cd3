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

// Package workerregistry tracks each worker process: identity, pid,
// run-state, its frame channel, and the orders it still owes a reply
// for. Workers are held in a token-indexed slab, the token being the
// worker channel's file descriptor.
package workerregistry

import (
	"time"

	"proxymaster/internal/frame"
	"proxymaster/internal/wire"
)

// RunState is a Worker's lifecycle state.
type RunState int

const (
	Running RunState = iota
	Stopping
	Stopped
	NotAnswering
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case NotAnswering:
		return "NotAnswering"
	default:
		return "Unknown"
	}
}

// Worker is one managed worker process.
type Worker struct {
	ID       uint32
	PID      int
	RunState RunState
	Token    int // == Channel.FD(); the poller registration key.
	Channel  *frame.Channel

	// Inflight holds the orders this worker still owes a reply for,
	// keyed by admin request id.
	Inflight map[string]wire.Order

	LastHeartbeatSent time.Time
	LastHeartbeatAck  time.Time
}

// ParseRunState is the inverse of RunState.String, used to rebuild a
// Worker's state from the string carried in a SerializedWorker across a
// hot-upgrade handoff. An unrecognized string defaults to Running,
// since that is the only state a worker is serialized in today (the
// incumbent only hands off its Running set).
func ParseRunState(s string) RunState {
	switch s {
	case "Stopping":
		return Stopping
	case "Stopped":
		return Stopped
	case "NotAnswering":
		return NotAnswering
	default:
		return Running
	}
}

// NewWorker constructs a Worker wrapping an already-connected channel.
func NewWorker(id uint32, pid int, ch *frame.Channel) *Worker {
	return &Worker{
		ID:       id,
		PID:      pid,
		RunState: Running,
		Token:    ch.FD(),
		Channel:  ch,
		Inflight: map[string]wire.Order{},
	}
}

// TrackOrder records that this worker now owes a reply for id.
func (w *Worker) TrackOrder(id string, o wire.Order) { w.Inflight[id] = o }

// UntrackOrder removes id from this worker's outstanding obligations.
func (w *Worker) UntrackOrder(id string) { delete(w.Inflight, id) }
