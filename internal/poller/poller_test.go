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

package poller

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestWaitReportsReadableAfterWrite(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := New(8)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	if err := p.Add(fds[1]); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := unix.Write(fds[0], []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := p.Wait(1000)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	found := false
	for _, e := range events {
		if e.FD == fds[1] && e.Readable {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fds[1] to be reported readable, got %+v", events)
	}
}

func TestWaitTimesOutWithNoActivity(t *testing.T) {
	p, err := New(8)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	events, err := p.Wait(50)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestRemoveUnregisteredFDIsNotAnError(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	p, err := New(8)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	if err := p.Remove(fds[0]); err != nil {
		t.Fatalf("expected removing an unregistered fd to be tolerated, got %v", err)
	}
}
