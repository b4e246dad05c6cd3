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

// Package upgrade implements the hot-upgrade handoff: an incumbent
// master spawns a successor binary, hands it the admin listener and
// every worker socket by fd number over a dedicated handoff socket, and
// exits once the successor acknowledges. Raw fds are transferred
// because the listening socket has no stable filesystem identity to
// reopen by path.
package upgrade

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"proxymaster/internal/masterlog"
	"proxymaster/internal/wire"
)

// DrainDelay is how long the incumbent sleeps after writing its final
// reply before exiting, to let the reply drain to the requester.
const DrainDelay = 2 * time.Second

// SuccessorEnvVar is set in the successor's environment by SpawnSuccessor
// so cmd/proxy-master can tell a hot-upgrade restart apart from a fresh
// start without any extra flag the operator has to remember to pass.
// The successor reads its UpgradeData from fd 3, the only entry in
// SpawnSuccessor's ExtraFiles.
const SuccessorEnvVar = "PROXYMASTER_UPGRADE_FD"

// UpgradePipeFD is the fd number the successor finds its handoff pipe
// on: fd 3, the first descriptor after stdin/stdout/stderr, since
// SpawnSuccessor passes exactly one ExtraFile.
const UpgradePipeFD = 3

// AckTimeout bounds how long the incumbent waits for the successor's
// boolean acknowledgement before giving up and staying in service. A
// var, not a const, so tests can shorten it.
var AckTimeout = 5 * time.Second

// ClearCloseOnExec clears FD_CLOEXEC on fd so it survives exec into the
// successor.
func ClearCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0)
	if err != nil {
		return fmt.Errorf("upgrade: clear cloexec fd=%d: %w", fd, err)
	}
	return nil
}

// RestoreCloseOnExec sets FD_CLOEXEC back on fd, once a successor is
// done adopting it.
func RestoreCloseOnExec(fd int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("upgrade: restore cloexec fd=%d: %w", fd, err)
	}
	return nil
}

// SpawnSuccessor forks and execs binPath, inheriting the current
// process's standard streams, and returns the incumbent's end of a
// bidirectional handoff socket: UpgradeData is written to it, and the
// successor's acknowledgement is read back from the very same fd. A
// plain os.Pipe cannot do this — its two ends are not interchangeable,
// one is read-only and the other write-only — so the handoff uses a
// unix socketpair instead, the same way start_new_master_process does
// in the original implementation this protocol is modeled on. The
// successor is expected to read UpgradeData as its first action.
func SpawnSuccessor(binPath string, args []string) (*exec.Cmd, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("upgrade: create handoff socketpair: %w", err)
	}
	incumbentSide := os.NewFile(uintptr(fds[0]), "upgrade-handoff-incumbent")
	successorSide := os.NewFile(uintptr(fds[1]), "upgrade-handoff-successor")

	cmd := exec.Command(binPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{successorSide}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", SuccessorEnvVar, UpgradePipeFD))
	if err := cmd.Start(); err != nil {
		incumbentSide.Close()
		successorSide.Close()
		return nil, nil, fmt.Errorf("upgrade: start successor %q: %w", binPath, err)
	}
	successorSide.Close()
	return cmd, incumbentSide, nil
}

// WriteUpgradeData serializes data as one newline+NUL terminated JSON
// frame onto w, matching the framing used everywhere else on the wire.
func WriteUpgradeData(w *os.File, data wire.UpgradeData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("upgrade: marshal upgrade data: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("upgrade: write upgrade data: %w", err)
	}
	if _, err := w.Write([]byte{'\n', 0}); err != nil {
		return fmt.Errorf("upgrade: write terminator: %w", err)
	}
	return nil
}

// ReadUpgradeData reads back one handoff frame from r, used by the
// successor on its inherited fd 3.
func ReadUpgradeData(r *os.File) (wire.UpgradeData, error) {
	reader := bufio.NewReader(r)
	raw, err := reader.ReadBytes(0)
	if err != nil {
		return wire.UpgradeData{}, fmt.Errorf("upgrade: read upgrade data: %w", err)
	}
	raw = raw[:len(raw)-1] // drop the trailing NUL; ReadBytes keeps the delimiter
	var data wire.UpgradeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return wire.UpgradeData{}, fmt.Errorf("upgrade: decode upgrade data: %w", err)
	}
	return data, nil
}

// ackFrame is the boolean acknowledgement the successor writes back to
// the incumbent over the handoff socket (its fd 3) once it has adopted
// every fd.
type ackFrame struct {
	Ok bool `json:"ok"`
}

// WriteAck writes the successor's acknowledgement to w.
func WriteAck(w *os.File, ok bool) error {
	payload, err := json.Marshal(ackFrame{Ok: ok})
	if err != nil {
		return fmt.Errorf("upgrade: marshal ack: %w", err)
	}
	if _, err := w.Write(append(payload, '\n', 0)); err != nil {
		return fmt.Errorf("upgrade: write ack: %w", err)
	}
	return nil
}

// ReadAck reads the successor's boolean acknowledgement from r, bounded
// by AckTimeout.
func ReadAck(r *os.File) (bool, error) {
	done := make(chan struct{})
	var frame ackFrame
	var readErr error
	go func() {
		defer close(done)
		reader := bufio.NewReader(r)
		raw, err := reader.ReadBytes(0)
		if err != nil {
			readErr = err
			return
		}
		raw = raw[:len(raw)-1]
		readErr = json.Unmarshal(raw, &frame)
	}()

	select {
	case <-done:
		if readErr != nil {
			return false, fmt.Errorf("upgrade: read ack: %w", readErr)
		}
		return frame.Ok, nil
	case <-time.After(AckTimeout):
		return false, fmt.Errorf("upgrade: timed out waiting for successor acknowledgement")
	}
}

// FinishIncumbent sleeps DrainDelay then exits the process with status
// 0. It is a var so tests can stub it out instead of actually exiting.
var FinishIncumbent = func(log *masterlog.Logger) {
	log.Info("upgrade: handoff acknowledged, exiting in %s", DrainDelay)
	time.Sleep(DrainDelay)
	os.Exit(0)
}
