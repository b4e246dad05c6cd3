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

package wire

// SerializedWorker is the on-the-wire projection of a registry worker
// carried inside UpgradeData, enough for the successor to re-adopt its fd
// and rebuild the in-memory Worker record.
type SerializedWorker struct {
	ID       uint32 `json:"id"`
	PID      int    `json:"pid"`
	FD       int    `json:"fd"`
	Token    int    `json:"token"`
	RunState string `json:"run_state"`
}

// UpgradeData is the single JSON frame an incumbent master writes to the
// upgrade pipe for its successor. File descriptors are carried as plain
// integers: the listener and each worker socket survive exec only because
// their close-on-exec flag was cleared before fork, so the successor
// inherits the same numbers.
type UpgradeData struct {
	AdminListenerFD int                `json:"admin_listener_fd"`
	Workers         []SerializedWorker `json:"workers"`
	StateJSON       []byte             `json:"state_json"`
	NextWorkerID    uint32             `json:"next_worker_id"`
	TokenCount      int                `json:"token_count"`

	// Inflight mirrors the fan-out tracker at handoff time (request id ->
	// worker tokens still owing a reply) so the successor can re-seed its
	// own tracker. Admin sessions are not preserved across upgrade, so a
	// late reply for one of these ids completes with no client to notify.
	Inflight map[string][]int `json:"inflight"`
}
