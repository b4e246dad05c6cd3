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

// Package main is the entry point for the proxy master: the control
// plane process that owns the authoritative proxy configuration,
// accepts admin commands over a local stream socket, and supervises a
// fleet of worker processes. This binary wires together
// internal/controlserver with the rest of the package tree; the actual
// event loop, fan-out dispatch, and upgrade handoff logic live there.
//
// On a normal start it binds the admin socket and begins serving. On a
// hot-upgrade restart (re-exec'd by a prior instance's UpgradeMaster
// handler) it instead reads its inherited state off fd 3 and resumes
// service without ever closing the admin listener or any worker
// socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxymaster/internal/controlserver"
	"proxymaster/internal/masterlog"
	"proxymaster/internal/statestore"
	"proxymaster/internal/telemetry"
	"proxymaster/internal/upgrade"
)

func main() {
	adminSocket := flag.String("admin-socket", "/tmp/proxy-master.sock", "Path of the admin unix stream socket")
	workerBin := flag.String("worker-bin", "", "Path to the worker binary LaunchWorker execs (required for LaunchWorker to succeed)")
	stateFile := flag.String("state-file", "proxy-master.state", "Default path for SaveState/LoadState when the command omits one")
	metricsAddr := flag.String("metrics-addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g. :9090)")
	housekeepingInterval := flag.Duration("housekeeping-interval", controlserver.DefaultHousekeepingInterval, "Poller timeout driving worker heartbeat probes and idle session sweeps")
	maxAdminSessions := flag.Int("max-admin-sessions", 128, "Hard cap on concurrent admin connections")
	workerTimeout := flag.Duration("worker-timeout", 10*time.Second, "How long a worker may go without acking a heartbeat before it is marked NotAnswering")
	statestoreKind := flag.String("statestore", "file", "SaveState/LoadState backend: file or redis")
	redisAddr := flag.String("statestore-redis-addr", "", "Redis address, when -statestore=redis")
	logLevel := flag.String("log-level", "info", "Minimum log level: debug, info, warn, error")
	flag.Parse()

	log := masterlog.New(os.Stderr, parseLevel(*logLevel))

	if *metricsAddr != "" {
		telemetry.Serve(*metricsAddr)
	}

	backend, err := statestore.BuildBackend(*statestoreKind, *stateFile, statestore.RedisOptions{Addr: *redisAddr})
	if err != nil {
		log.Error("proxy-master: %v", err)
		os.Exit(1)
	}

	cfg := controlserver.Config{
		SocketPath:           *adminSocket,
		WorkerBin:            *workerBin,
		MaxAdminSessions:     *maxAdminSessions,
		HousekeepingInterval: *housekeepingInterval,
		WorkerTimeout:        *workerTimeout,
		Log:                  log,
		Backend:              backend,
	}

	var srv *controlserver.Server
	if fdStr := os.Getenv(upgrade.SuccessorEnvVar); fdStr != "" {
		srv, err = resumeFromUpgrade(cfg, log)
	} else {
		srv, err = controlserver.New(cfg)
	}
	if err != nil {
		log.Error("proxy-master: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("proxy-master: signal received, shutting down")
		cancel()
	}()

	log.Info("proxy-master: serving admin socket %s", *adminSocket)
	if err := srv.Run(ctx); err != nil {
		log.Error("proxy-master: event loop: %v", err)
		os.Exit(1)
	}
}

// resumeFromUpgrade reads UpgradeData off the inherited handoff pipe,
// rebuilds the server, and acknowledges the incumbent so it can safely
// exit. A failure here is written back as a negative acknowledgement so
// the incumbent stays in service instead of exiting into a successor
// that never came up.
func resumeFromUpgrade(cfg controlserver.Config, log *masterlog.Logger) (*controlserver.Server, error) {
	pipe := os.NewFile(uintptr(upgrade.UpgradePipeFD), "upgrade-pipe")
	defer pipe.Close()

	data, err := upgrade.ReadUpgradeData(pipe)
	if err != nil {
		_ = upgrade.WriteAck(pipe, false)
		return nil, fmt.Errorf("resume from upgrade: %w", err)
	}

	srv, err := controlserver.Bootstrap(cfg, data)
	if err != nil {
		_ = upgrade.WriteAck(pipe, false)
		return nil, fmt.Errorf("resume from upgrade: bootstrap: %w", err)
	}

	if err := upgrade.WriteAck(pipe, true); err != nil {
		log.Error("proxy-master: ack incumbent: %v", err)
	}
	log.Info("proxy-master: resumed from hot upgrade")
	return srv, nil
}

func parseLevel(s string) masterlog.Level {
	switch s {
	case "debug":
		return masterlog.LevelDebug
	case "warn":
		return masterlog.LevelWarn
	case "error":
		return masterlog.LevelError
	default:
		return masterlog.LevelInfo
	}
}
