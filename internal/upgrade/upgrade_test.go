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

package upgrade

import (
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"proxymaster/internal/wire"
)

func TestWriteThenReadUpgradeDataRoundTrips(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	want := wire.UpgradeData{
		AdminListenerFD: 7,
		Workers: []wire.SerializedWorker{
			{ID: 1, PID: 100, FD: 8, Token: 8, RunState: "Running"},
			{ID: 2, PID: 101, FD: 9, Token: 9, RunState: "Running"},
		},
		StateJSON:    []byte(`{"applications":{}}`),
		NextWorkerID: 3,
		TokenCount:   10,
		Inflight:     map[string][]int{"r1": {8, 9}},
	}

	errCh := make(chan error, 1)
	go func() {
		defer w.Close()
		errCh <- WriteUpgradeData(w, want)
	}()
	if err := <-errCh; err != nil {
		t.Fatalf("WriteUpgradeData: %v", err)
	}

	got, err := ReadUpgradeData(r)
	if err != nil {
		t.Fatalf("ReadUpgradeData: %v", err)
	}
	if got.AdminListenerFD != want.AdminListenerFD || len(got.Workers) != len(want.Workers) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.Workers[0].ID != 1 || got.Workers[1].PID != 101 {
		t.Fatalf("worker fields did not survive round trip: %+v", got.Workers)
	}
	if got.Inflight["r1"][0] != 8 {
		t.Fatalf("inflight map did not survive round trip: %+v", got.Inflight)
	}
}

func TestWriteThenReadAckRoundTrips(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	errCh := make(chan error, 1)
	go func() {
		defer w.Close()
		errCh <- WriteAck(w, true)
	}()
	if err := <-errCh; err != nil {
		t.Fatalf("WriteAck: %v", err)
	}

	ok, err := ReadAck(r)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
}

// TestHandoffSocketRoundTripsBothDirections exercises the full
// incumbent/successor handshake over one end each of a socketpair, the
// shape SpawnSuccessor wires up: the incumbent writes UpgradeData then
// reads the ack back off the same fd, while the successor reads
// UpgradeData then writes the ack back on its own fd. A plain os.Pipe
// cannot do this since each of its ends only supports one direction.
func TestHandoffSocketRoundTripsBothDirections(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	incumbentSide := os.NewFile(uintptr(fds[0]), "incumbent")
	successorSide := os.NewFile(uintptr(fds[1]), "successor")
	defer incumbentSide.Close()
	defer successorSide.Close()

	want := wire.UpgradeData{AdminListenerFD: 7, NextWorkerID: 3, TokenCount: 1}

	successorErrCh := make(chan error, 1)
	go func() {
		data, err := ReadUpgradeData(successorSide)
		if err != nil {
			successorErrCh <- err
			return
		}
		if data.AdminListenerFD != want.AdminListenerFD {
			successorErrCh <- fmt.Errorf("admin listener fd mismatch: got %d, want %d", data.AdminListenerFD, want.AdminListenerFD)
			return
		}
		successorErrCh <- WriteAck(successorSide, true)
	}()

	if err := WriteUpgradeData(incumbentSide, want); err != nil {
		t.Fatalf("WriteUpgradeData: %v", err)
	}

	ok, err := ReadAck(incumbentSide)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if err := <-successorErrCh; err != nil {
		t.Fatalf("successor side: %v", err)
	}
}

func TestReadAckTimesOutWithNoWriter(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	saved := AckTimeout
	AckTimeout = 0
	defer func() { AckTimeout = saved }()

	if _, err := ReadAck(r); err == nil {
		t.Fatalf("expected a timeout error when nothing is written")
	}
}
