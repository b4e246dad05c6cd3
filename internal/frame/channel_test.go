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

package frame

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type testMsg struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func socketpair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, err := New(fds[0], DefaultMaxBufferSize)
	if err != nil {
		t.Fatalf("wrap fd0: %v", err)
	}
	b, err := New(fds[1], DefaultMaxBufferSize)
	if err != nil {
		t.Fatalf("wrap fd1: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	sent := testMsg{ID: "r1", Data: "hello"}
	buffered, err := a.WriteMessage(sent)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !buffered {
		t.Fatalf("expected message to be fully buffered")
	}

	waitReadable(t, b)

	var got testMsg
	ok, err := b.ReadMessage(&got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if got != sent {
		t.Fatalf("got %+v, want %+v", got, sent)
	}
}

func TestReadMessageIncompleteReturnsFalseNoError(t *testing.T) {
	_, b := socketpair(t)
	var got testMsg
	ok, err := b.ReadMessage(&got)
	if err != nil {
		t.Fatalf("expected no error on an empty, non-blocking socket, got %v", err)
	}
	if ok {
		t.Fatalf("expected incomplete read to report ok=false")
	}
}

func TestTwoFramesInOneWriteYieldTwoReads(t *testing.T) {
	a, b := socketpair(t)

	if _, err := a.WriteMessage(testMsg{ID: "1"}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := a.WriteMessage(testMsg{ID: "2"}); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	waitReadable(t, b)

	var first, second testMsg
	ok, err := b.ReadMessage(&first)
	if err != nil || !ok {
		t.Fatalf("first read: ok=%v err=%v", ok, err)
	}
	ok, err = b.ReadMessage(&second)
	if err != nil || !ok {
		t.Fatalf("second read: ok=%v err=%v", ok, err)
	}
	if first.ID != "1" || second.ID != "2" {
		t.Fatalf("got order %q, %q", first.ID, second.ID)
	}
}

func TestMalformedFrameAdvancesPastCorruptBytes(t *testing.T) {
	a, b := socketpair(t)

	if _, err := unix.Write(a.FD(), append([]byte("not json"), Terminator...)); err != nil {
		t.Fatalf("raw write: %v", err)
	}
	if _, err := a.WriteMessage(testMsg{ID: "good"}); err != nil {
		t.Fatalf("write good frame: %v", err)
	}
	waitReadable(t, b)

	var got testMsg
	_, err := b.ReadMessage(&got)
	if !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("expected ErrCorruptFrame, got %v", err)
	}

	ok, err := b.ReadMessage(&got)
	if err != nil || !ok {
		t.Fatalf("expected the following well-formed frame to parse: ok=%v err=%v", ok, err)
	}
	if got.ID != "good" {
		t.Fatalf("got %+v", got)
	}
}

func TestWriteMessageReportsBackpressure(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	// Tiny buffer cap with nothing reading the peer: the kernel socket
	// buffer plus our cap will saturate quickly.
	a, err := New(fds[0], 16)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	t.Cleanup(func() { a.Close(); unix.Close(fds[1]) })

	buffered, err := a.WriteMessage(testMsg{ID: "this-message-is-longer-than-sixteen-bytes"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if buffered {
		t.Fatalf("expected write to report back-pressure given a 16-byte cap")
	}
}

func TestSetBlockingTogglesMode(t *testing.T) {
	a, _ := socketpair(t)
	if err := a.SetBlocking(true); err != nil {
		t.Fatalf("set blocking: %v", err)
	}
	if !a.blocking {
		t.Fatalf("expected internal blocking flag to be set")
	}
	if err := a.SetBlocking(false); err != nil {
		t.Fatalf("set non-blocking: %v", err)
	}
}

func waitReadable(t *testing.T, c *Channel) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(c.FD()), Events: unix.POLLIN}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Poll(fds, 50)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
	t.Fatalf("timed out waiting for fd to become readable")
}
