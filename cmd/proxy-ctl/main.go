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

// Package main is a minimal admin-socket client: it dials the master's
// unix stream socket, frames one AdminMessage, and prints every
// AdminAnswer frame it receives until a terminal status arrives. It
// exists to exercise the wire protocol end to end; the production CLI
// is out of scope for this repository (spec.md §1).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"proxymaster/internal/frame"
	"proxymaster/internal/wire"
)

func main() {
	socketPath := flag.String("admin-socket", "/tmp/proxy-master.sock", "Path of the admin unix stream socket")
	kind := flag.String("cmd", "ListWorkers", "ConfigCommand kind: SaveState, LoadState, DumpState, ListWorkers, LaunchWorker, UpgradeMaster, Metrics, ProxyConfiguration, QueryCertificateByFingerprint")
	path := flag.String("path", "", "Path argument for SaveState/LoadState/ReloadConfiguration")
	workerTag := flag.String("worker-tag", "", "Tag argument for LaunchWorker")
	proxyID := flag.String("proxy-id", "", "Scope ProxyConfiguration/Metrics to one worker id")
	orderJSON := flag.String("order", "", "JSON-encoded wire.Order, for -cmd ProxyConfiguration")
	timeout := flag.Duration("timeout", 5*time.Second, "How long to wait for a terminal reply")
	flag.Parse()

	msg := wire.AdminMessage{
		ID: strconv.FormatInt(time.Now().UnixNano(), 36),
		Data: wire.ConfigCommand{
			Kind:      wire.CommandKind(*kind),
			Path:      *path,
			WorkerTag: *workerTag,
			ProxyID:   *proxyID,
		},
	}
	if *orderJSON != "" {
		if err := json.Unmarshal([]byte(*orderJSON), &msg.Data.Order); err != nil {
			fmt.Fprintf(os.Stderr, "proxy-ctl: decode -order: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(*socketPath, msg, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "proxy-ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath string, msg wire.AdminMessage, timeout time.Duration) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("connect %q: %w", socketPath, err)
	}

	ch, err := frame.New(fd, frame.DefaultMaxBufferSize)
	if err != nil {
		unix.Close(fd)
		return err
	}
	defer ch.Close()
	if err := ch.SetBlocking(true); err != nil {
		return err
	}

	if _, err := ch.WriteMessage(msg); err != nil {
		return fmt.Errorf("write admin message: %w", err)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var ans wire.AdminAnswer
		ok, err := ch.ReadMessage(&ans)
		if err != nil {
			return fmt.Errorf("read admin answer: %w", err)
		}
		if !ok {
			continue
		}
		line, err := json.Marshal(ans)
		if err != nil {
			return fmt.Errorf("encode answer: %w", err)
		}
		fmt.Fprintln(w, string(line))
		if ans.Status == wire.StatusOk || ans.Status == wire.StatusError {
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for terminal reply to id=%s", msg.ID)
}
