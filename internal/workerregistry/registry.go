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

package workerregistry

import "fmt"

// Registry is the slab of managed workers, keyed by poller token
// (== worker channel fd).
type Registry struct {
	workers map[int]*Worker
	nextID  uint32
}

// New returns an empty Registry.
func New() *Registry { return &Registry{workers: map[int]*Worker{}} }

// AllocateID assigns the next monotonically increasing worker id.
func (r *Registry) AllocateID() uint32 {
	r.nextID++
	return r.nextID
}

// PeekNextID returns the id AllocateID would hand out next, without
// consuming it. UpgradeMaster uses this to tell the successor where to
// resume counting; calling AllocateID there instead would burn an id
// that no worker ever claims.
func (r *Registry) PeekNextID() uint32 { return r.nextID + 1 }

// SetNextID restores the registry's id counter so the next AllocateID
// call returns next. Used by the successor master on upgrade handoff to
// resume numbering where the incumbent left off.
func (r *Registry) SetNextID(next uint32) { r.nextID = next - 1 }

// AnyRunning reports whether at least one currently registered worker is
// in the Running state. LaunchWorker consults this, before installing
// the new worker, to decide whether to replay configuration into it.
func (r *Registry) AnyRunning() bool {
	for _, w := range r.workers {
		if w.RunState == Running {
			return true
		}
	}
	return false
}

// Install registers w under its channel's token.
func (r *Registry) Install(w *Worker) { r.workers[w.Token] = w }

// Get returns the worker registered under token.
func (r *Registry) Get(token int) (*Worker, bool) {
	w, ok := r.workers[token]
	return w, ok
}

// ByID returns the worker with the given master-assigned id.
func (r *Registry) ByID(id uint32) (*Worker, bool) {
	for _, w := range r.workers {
		if w.ID == id {
			return w, true
		}
	}
	return nil, false
}

// Remove drops the worker registered under token. The caller is
// responsible for closing its channel and unregistering it from the
// poller first.
func (r *Registry) Remove(token int) { delete(r.workers, token) }

// ForEach iterates every registered worker. f must not install or
// remove workers.
func (r *Registry) ForEach(f func(*Worker)) {
	for _, w := range r.workers {
		f(w)
	}
}

// Running returns every worker currently in the Running state, the
// default fan-out target set.
func (r *Registry) Running() []*Worker {
	var out []*Worker
	for _, w := range r.workers {
		if w.RunState == Running {
			out = append(out, w)
		}
	}
	return out
}

// RunningIDs returns the master-assigned ids of every Running worker,
// used by internal/workerhash to build a consistent-hash ring.
func (r *Registry) RunningIDs() []uint32 {
	var out []uint32
	for _, w := range r.workers {
		if w.RunState == Running {
			out = append(out, w.ID)
		}
	}
	return out
}

// Len reports the total number of registered workers, regardless of
// run-state.
func (r *Registry) Len() int { return len(r.workers) }

// MarkStopping transitions a worker to Stopping on SoftStop/HardStop.
func (r *Registry) MarkStopping(token int) error {
	w, ok := r.workers[token]
	if !ok {
		return fmt.Errorf("workerregistry: no worker for token %d", token)
	}
	w.RunState = Stopping
	return nil
}

// MarkNotAnswering transitions a worker to NotAnswering after an
// unanswered heartbeat within the configured timeout.
func (r *Registry) MarkNotAnswering(token int) error {
	w, ok := r.workers[token]
	if !ok {
		return fmt.Errorf("workerregistry: no worker for token %d", token)
	}
	w.RunState = NotAnswering
	return nil
}
