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

package controlserver

import (
	"encoding/json"
	"fmt"

	"proxymaster/internal/adminsession"
	"proxymaster/internal/configstate"
	"proxymaster/internal/fanout"
	"proxymaster/internal/frame"
	"proxymaster/internal/masterlog"
	"proxymaster/internal/poller"
	"proxymaster/internal/statestore"
	"proxymaster/internal/upgrade"
	"proxymaster/internal/wire"
	"proxymaster/internal/workerregistry"
)

// Bootstrap reconstructs a Server from UpgradeData inherited across a
// hot-upgrade handoff: it builds a fresh poller, re-adopts the admin
// listener fd without re-binding the path, re-adopts every worker fd
// and rebuilds its Worker record (id, pid and run-state; the worker's
// own in-flight order map starts empty, and the fan-out tracker is
// re-seeded from the inherited in-flight ids instead), and restores close-on-exec on every inherited fd now that
// adoption is complete. Admin client sessions are never part of
// UpgradeData — spec.md §4.G — so the returned Server starts with an
// empty session table; reconnecting clients see it immediately.
func Bootstrap(cfg Config, data wire.UpgradeData) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = masterlog.Default()
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if cfg.MaxAdminSessions <= 0 {
		cfg.MaxAdminSessions = adminsession.MaxSessions
	}
	if cfg.Backend == nil {
		cfg.Backend = &statestore.FileBackend{Path: "proxy-master.state"}
	}

	var state configstate.ConfigState
	if err := json.Unmarshal(data.StateJSON, &state); err != nil {
		return nil, fmt.Errorf("controlserver: bootstrap: decode inherited state: %w", err)
	}

	p, err := poller.New(256)
	if err != nil {
		return nil, fmt.Errorf("controlserver: bootstrap: new poller: %w", err)
	}
	if err := p.Add(data.AdminListenerFD); err != nil {
		p.Close()
		return nil, fmt.Errorf("controlserver: bootstrap: register inherited listener: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		poll:     p,
		listFD:   data.AdminListenerFD,
		sessions: adminsession.NewTableWithCap(cfg.MaxAdminSessions),
		workers:  workerregistry.New(),
		fanout:   fanout.New(),
		state:    &state,
		backend:  cfg.Backend,
	}
	s.workers.SetNextID(data.NextWorkerID)

	clearedFDs := []int{data.AdminListenerFD}
	for _, sw := range data.Workers {
		ch, err := frame.New(sw.FD, frame.DefaultMaxBufferSize)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("controlserver: bootstrap: adopt worker fd=%d: %w", sw.FD, err)
		}
		if err := p.Add(ch.FD()); err != nil {
			p.Close()
			return nil, fmt.Errorf("controlserver: bootstrap: register worker fd=%d: %w", sw.FD, err)
		}
		w := workerregistry.NewWorker(sw.ID, sw.PID, ch)
		w.RunState = workerregistry.ParseRunState(sw.RunState)
		s.workers.Install(w)
		clearedFDs = append(clearedFDs, sw.FD)
	}

	// The incumbent's Inflight snapshot has no surviving admin session to
	// notify (sessions are not preserved across upgrade). Re-seeding the
	// fan-out tracker with it records which workers still owe replies, so
	// a late OrderAnswer retires its entry, which then completes with no
	// subscriber to write to.
	for id, tokens := range data.Inflight {
		s.fanout.Start(id, tokens)
	}

	for _, fd := range clearedFDs {
		if err := upgrade.RestoreCloseOnExec(fd); err != nil {
			s.log.Error("controlserver: bootstrap: restore cloexec fd=%d: %v", fd, err)
		}
	}

	return s, nil
}
