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

package fanout

import "testing"

func TestWorkerRepliedCompletesWhenAllOwingClear(t *testing.T) {
	tr := New()
	tr.Start("r1", []int{1, 2})

	if _, done := tr.WorkerReplied("r1", 1, true, ""); done {
		t.Fatalf("should not complete after only one of two workers replied")
	}
	if !tr.Owing("r1") {
		t.Fatalf("r1 should still be tracked")
	}

	outcomes, done := tr.WorkerReplied("r1", 2, true, "")
	if !done {
		t.Fatalf("should complete once both workers replied")
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if tr.Owing("r1") {
		t.Fatalf("completed id must be removed from the tracker")
	}
}

func TestAggregateAllOkIsOk(t *testing.T) {
	ok, msg := Aggregate([]Outcome{{WorkerToken: 1, Ok: true}, {WorkerToken: 2, Ok: true}})
	if !ok || msg != "" {
		t.Fatalf("expected Ok with empty message, got ok=%v msg=%q", ok, msg)
	}
}

func TestAggregateAnyErrorIsErrorWithMessage(t *testing.T) {
	ok, msg := Aggregate([]Outcome{
		{WorkerToken: 1, Ok: true},
		{WorkerToken: 2, Ok: false, Message: "worker 2 exploded"},
	})
	if ok {
		t.Fatalf("expected aggregate Error when any worker errors")
	}
	if msg != "worker 2 exploded" {
		t.Fatalf("expected message to mention worker 2, got %q", msg)
	}
}

func TestWorkerGoneCompletesAffectedIDsAsErrors(t *testing.T) {
	tr := New()
	tr.Start("r1", []int{1, 2})
	tr.Start("r2", []int{2})
	tr.Start("r3", []int{3})

	completed := tr.WorkerGone(2, "worker 2 disconnected")

	if _, ok := completed["r2"]; !ok {
		t.Fatalf("r2 depended solely on worker 2 and should have completed")
	}
	if _, ok := completed["r1"]; ok {
		t.Fatalf("r1 still owed a reply from worker 1 and should not have completed")
	}
	if _, ok := completed["r3"]; ok {
		t.Fatalf("r3 never involved worker 2 and should be untouched")
	}
	if !tr.Owing("r1") {
		t.Fatalf("r1 should remain tracked pending worker 1")
	}

	ok, _ := Aggregate(completed["r2"])
	if ok {
		t.Fatalf("r2's sole outcome came from a disappeared worker and must aggregate to Error")
	}
}

func TestStartWithNoTargetsTracksNothing(t *testing.T) {
	tr := New()
	tr.Start("r1", nil)
	if tr.Owing("r1") {
		t.Fatalf("starting fan-out with no targets should not track the id (the control server rejects the request with Error before calling Start)")
	}
}
