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

// Package fanout tracks, for each admin request id dispatched to one or
// more workers, the set of workers still owing a reply. It is pure data:
// the event loop drives it directly on worker replies and worker
// disappearance, with no callbacks or futures.
package fanout

import "sort"

// Outcome is the per-worker result recorded against a request id.
type Outcome struct {
	WorkerToken int
	Ok          bool
	Message     string
}

// entry tracks one in-flight request id.
type entry struct {
	owing    map[int]struct{}
	outcomes []Outcome
}

// Tracker is the fan-out tracker. The zero value is not usable; use New.
type Tracker struct {
	inflight map[string]*entry
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{inflight: map[string]*entry{}}
}

// Start records that id has been dispatched to the given worker tokens.
// It is an error to call Start twice for the same id without it having
// completed in between; callers (the control server) never do this
// because request ids are client-chosen and unique per admin message.
func (t *Tracker) Start(id string, workerTokens []int) {
	if len(workerTokens) == 0 {
		return
	}
	e := &entry{owing: make(map[int]struct{}, len(workerTokens))}
	for _, tok := range workerTokens {
		e.owing[tok] = struct{}{}
	}
	t.inflight[id] = e
}

// Owing reports whether id is currently tracked at all.
func (t *Tracker) Owing(id string) bool {
	_, ok := t.inflight[id]
	return ok
}

// WorkerReplied retires workerToken's obligation for id. It returns the
// accumulated outcomes and true once every worker owing a reply for id
// has replied. The entry is removed from the tracker at that point: an
// id is tracked only while at least one worker still owes a reply.
func (t *Tracker) WorkerReplied(id string, workerToken int, ok bool, message string) (outcomes []Outcome, done bool) {
	e, exists := t.inflight[id]
	if !exists {
		return nil, false
	}
	delete(e.owing, workerToken)
	e.outcomes = append(e.outcomes, Outcome{WorkerToken: workerToken, Ok: ok, Message: message})
	if len(e.owing) == 0 {
		delete(t.inflight, id)
		return e.outcomes, true
	}
	return nil, false
}

// WorkerGone retires workerToken's obligations for every id it still
// owed a reply on, treating each as an errored reply: a worker that
// disappears with outstanding in-flight ids leaves those ids errored
// from that worker's side. It returns the ids that completed as a
// result, each with its accumulated outcomes.
func (t *Tracker) WorkerGone(workerToken int, message string) map[string][]Outcome {
	completed := map[string][]Outcome{}
	for id, e := range t.inflight {
		if _, owed := e.owing[workerToken]; !owed {
			continue
		}
		delete(e.owing, workerToken)
		e.outcomes = append(e.outcomes, Outcome{WorkerToken: workerToken, Ok: false, Message: message})
		if len(e.owing) == 0 {
			completed[id] = e.outcomes
			delete(t.inflight, id)
		}
	}
	return completed
}

// Aggregate combines outcomes into one terminal status and message: Ok
// if every worker replied Ok, else Error with concatenated messages,
// sorted by worker token for determinism.
func Aggregate(outcomes []Outcome) (ok bool, message string) {
	sorted := append([]Outcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerToken < sorted[j].WorkerToken })

	ok = true
	var msgs []string
	for _, o := range sorted {
		if !o.Ok {
			ok = false
			if o.Message != "" {
				msgs = append(msgs, o.Message)
			}
		}
	}
	if ok {
		return true, ""
	}
	joined := ""
	for i, m := range msgs {
		if i > 0 {
			joined += "; "
		}
		joined += m
	}
	return false, joined
}

// Len reports the number of currently in-flight request ids. Nothing in
// this repository calls it; Owing is what the tests use.
func (t *Tracker) Len() int { return len(t.inflight) }
