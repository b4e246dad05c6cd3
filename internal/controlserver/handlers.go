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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"proxymaster/internal/adminsession"
	"proxymaster/internal/configstate"
	"proxymaster/internal/frame"
	"proxymaster/internal/statestore"
	"proxymaster/internal/telemetry"
	"proxymaster/internal/upgrade"
	"proxymaster/internal/wire"
	"proxymaster/internal/workerhash"
	"proxymaster/internal/workerregistry"
)

func (s *Server) handleAdminMessage(sess *adminsession.Session, msg wire.AdminMessage) {
	switch msg.Data.Kind {
	case wire.CmdSaveState:
		s.handleSaveState(sess, msg)
	case wire.CmdLoadState:
		s.handleLoadState(sess, msg)
	case wire.CmdReloadConfiguration:
		s.handleLoadState(sess, msg) // same diff-and-replay mechanics and state-file format as LoadState
	case wire.CmdDumpState:
		s.handleDumpState(sess, msg)
	case wire.CmdListWorkers:
		s.handleListWorkers(sess, msg)
	case wire.CmdLaunchWorker:
		s.handleLaunchWorker(sess, msg)
	case wire.CmdUpgradeMaster:
		s.handleUpgradeMaster(sess, msg)
	case wire.CmdMetrics:
		s.handleMetrics(sess, msg)
	case wire.CmdProxyConfiguration:
		s.handleProxyConfiguration(sess, msg)
	case wire.CmdQueryCertificateByFingerprint:
		s.handleQueryCertificate(sess, msg)
	default:
		s.replyError(sess, msg.ID, fmt.Sprintf("unknown command kind %q", msg.Data.Kind))
	}
}

func (s *Server) handleSaveState(sess *adminsession.Session, msg wire.AdminMessage) {
	orders := s.state.GenerateOrders()
	backend := s.backend
	if msg.Data.Path != "" {
		backend = &statestore.FileBackend{Path: msg.Data.Path}
	}
	if err := backend.Save(context.Background(), orders); err != nil {
		s.replyError(sess, msg.ID, err.Error())
		return
	}
	s.replyOk(sess, msg.ID, nil)
}

func (s *Server) handleLoadState(sess *adminsession.Session, msg wire.AdminMessage) {
	backend := s.backend
	if msg.Data.Path != "" {
		backend = &statestore.FileBackend{Path: msg.Data.Path}
	}
	orders, err := backend.Load(context.Background())
	if err != nil && len(orders) == 0 {
		s.replyError(sess, msg.ID, err.Error())
		return
	}

	parsed := configstate.FromOrders(orders)
	diff := s.state.Diff(parsed)
	for _, o := range diff {
		if aerr := s.state.HandleOrder(o); aerr != nil {
			s.log.Warn("controlserver: load-state apply: %v", aerr)
		}
	}

	running := s.workers.Running()
	for _, o := range diff {
		s.dispatchOrder(o, running, s.nextID("LOAD-STATE"))
	}

	if err != nil {
		s.replyError(sess, msg.ID, fmt.Sprintf("partial load: %v", err))
		return
	}
	s.replyOk(sess, msg.ID, nil)
}

func (s *Server) handleDumpState(sess *adminsession.Session, msg wire.AdminMessage) {
	data, err := json.Marshal(s.state)
	if err != nil {
		s.replyError(sess, msg.ID, err.Error())
		return
	}
	s.replyOk(sess, msg.ID, &wire.AnswerPayload{Kind: wire.PayloadState, StateJSON: data})
}

func (s *Server) handleListWorkers(sess *adminsession.Session, msg wire.AdminMessage) {
	var infos []wire.WorkerInfo
	s.workers.ForEach(func(w *workerregistry.Worker) {
		infos = append(infos, wire.WorkerInfo{ID: w.ID, PID: w.PID, RunState: w.RunState.String()})
	})
	s.replyOk(sess, msg.ID, &wire.AnswerPayload{Kind: wire.PayloadWorkers, Workers: infos})
}

// handleLaunchWorker implements the registry's launch sequence: assign
// an id and token, fork/exec the worker binary over an inherited
// socketpair, replay the current configuration synchronously if any
// worker is already Running, then switch back to non-blocking and
// install it.
func (s *Server) handleLaunchWorker(sess *adminsession.Session, msg wire.AdminMessage) {
	if s.cfg.WorkerBin == "" {
		s.replyError(sess, msg.ID, "no worker binary configured")
		return
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		s.replyError(sess, msg.ID, fmt.Sprintf("socketpair: %v", err))
		return
	}
	masterSideFD, workerSideFD := fds[0], fds[1]

	cmd := exec.Command(s.cfg.WorkerBin, msg.Data.WorkerTag)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(workerSideFD), "worker-channel")}
	if err := cmd.Start(); err != nil {
		unix.Close(masterSideFD)
		unix.Close(workerSideFD)
		s.replyError(sess, msg.ID, fmt.Sprintf("start worker: %v", err))
		return
	}
	unix.Close(workerSideFD)

	ch, err := frame.New(masterSideFD, frame.DefaultMaxBufferSize)
	if err != nil {
		unix.Close(masterSideFD)
		s.replyError(sess, msg.ID, err.Error())
		return
	}

	replayIntoNewWorker := s.workers.AnyRunning()
	id := s.workers.AllocateID()
	w := workerregistry.NewWorker(id, cmd.Process.Pid, ch)

	if replayIntoNewWorker {
		if err := ch.SetBlocking(true); err != nil {
			s.log.Error("controlserver: set blocking for replay: %v", err)
		}
		for i, o := range s.state.GenerateOrders() {
			replayID := fmt.Sprintf("LAUNCH-CONF-%d", i)
			if _, err := ch.WriteMessage(wire.OrderMessage{ID: replayID, Order: o}); err != nil {
				s.log.Error("controlserver: replay write to worker id=%d: %v", id, err)
				break
			}
			var ans wire.OrderAnswer
			if _, err := ch.ReadMessage(&ans); err != nil {
				s.log.Error("controlserver: replay read from worker id=%d: %v", id, err)
				break
			}
		}
		if err := ch.SetBlocking(false); err != nil {
			s.log.Error("controlserver: restore non-blocking after replay: %v", err)
		}
	}

	if err := s.poll.Add(ch.FD()); err != nil {
		s.replyError(sess, msg.ID, fmt.Sprintf("register worker with poller: %v", err))
		ch.Close()
		return
	}
	s.workers.Install(w)
	telemetry.SetWorkersRunning(len(s.workers.Running()))

	s.replyOk(sess, msg.ID, &wire.AnswerPayload{Kind: wire.PayloadWorkers, Workers: []wire.WorkerInfo{
		{ID: w.ID, PID: w.PID, RunState: w.RunState.String()},
	}})
}

func (s *Server) handleMetrics(sess *adminsession.Session, msg wire.AdminMessage) {
	s.dispatchAndTrack(sess, msg, wire.Order{Kind: wire.KindMetrics})
}

// handleProxyConfiguration dispatches a ProxyConfiguration order: it
// applies the order to local state immediately (so ConfigState stays
// authoritative even if every worker is gone) and fans it out to the
// target worker set.
func (s *Server) handleProxyConfiguration(sess *adminsession.Session, msg wire.AdminMessage) {
	order := msg.Data.Order
	if err := s.state.HandleOrder(order); err != nil {
		s.log.Warn("controlserver: apply order %s: %v", order.Kind, err)
	}
	s.dispatchAndTrack(sess, msg, order)
}

// dispatchAndTrack computes the fan-out target set (scoped by proxy_id
// when set), records the fan-out, and writes an OrderMessage to each
// target. An empty target set answers Error immediately: a
// ProxyConfiguration command against zero workers cannot ever complete.
func (s *Server) dispatchAndTrack(sess *adminsession.Session, msg wire.AdminMessage, order wire.Order) {
	targets := s.targetWorkers(msg.Data.ProxyID)
	if len(targets) == 0 {
		s.replyError(sess, msg.ID, "no workers available")
		return
	}
	sess.AddMessageID(msg.ID)
	s.dispatchOrder(order, targets, msg.ID)
}

// targetWorkers resolves the fan-out set for proxyID. An exact id match
// against a Running worker wins; otherwise a rendezvous-hashed fallback
// picks a stable substitute from the current Running set, so repeated
// calls for the same proxyID keep landing on the same worker across a
// membership reshuffle (e.g. the preferred worker died mid-upgrade)
// instead of silently going nowhere.
func (s *Server) targetWorkers(proxyID string) []*workerregistry.Worker {
	if proxyID == "" {
		return s.workers.Running()
	}
	if id, err := parseWorkerID(proxyID); err == nil {
		if w, ok := s.workers.ByID(id); ok && w.RunState == workerregistry.Running {
			return []*workerregistry.Worker{w}
		}
	}
	fallbackID, ok := workerhash.New(s.workers.RunningIDs()).Pick(proxyID)
	if !ok {
		return nil
	}
	if w, ok := s.workers.ByID(fallbackID); ok && w.RunState == workerregistry.Running {
		return []*workerregistry.Worker{w}
	}
	return nil
}

func parseWorkerID(s string) (uint32, error) {
	var id uint32
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func (s *Server) dispatchOrder(order wire.Order, targets []*workerregistry.Worker, requestID string) {
	tokens := make([]int, 0, len(targets))
	for _, w := range targets {
		tokens = append(tokens, w.Token)
	}
	s.fanout.Start(requestID, tokens)

	stopping := order.Kind == wire.KindSoftStop || order.Kind == wire.KindHardStop
	for _, w := range targets {
		w.TrackOrder(requestID, order)
		if stopping {
			if err := s.workers.MarkStopping(w.Token); err != nil {
				s.log.Error("controlserver: mark stopping id=%d: %v", w.ID, err)
			}
		}
		if _, err := w.Channel.WriteMessage(wire.OrderMessage{ID: requestID, Order: order}); err != nil {
			s.log.Error("controlserver: dispatch to worker id=%d: %v", w.ID, err)
		}
	}
	if stopping {
		telemetry.SetWorkersRunning(len(s.workers.Running()))
	}
	telemetry.ObserveOrderDispatched(string(order.Kind))
}

func (s *Server) handleQueryCertificate(sess *adminsession.Session, msg wire.AdminMessage) {
	fp := msg.Data.CertificateFingerprint
	cert, ok := s.state.Certificates[fp]
	if !ok {
		s.replyError(sess, msg.ID, fmt.Sprintf("no certificate for fingerprint %q", fp))
		return
	}
	data, err := json.Marshal(cert)
	if err != nil {
		s.replyError(sess, msg.ID, err.Error())
		return
	}
	s.replyOk(sess, msg.ID, &wire.AnswerPayload{Kind: wire.PayloadState, StateJSON: data})
}

// handleUpgradeMaster runs the incumbent side of the hot-upgrade
// handoff: clear close-on-exec on the admin listener and every Running
// worker, reply Processing, spawn the successor, write it UpgradeData,
// wait for its acknowledgement, then reply Ok and exit, or reply Error
// and stay in service.
func (s *Server) handleUpgradeMaster(sess *adminsession.Session, msg wire.AdminMessage) {
	clearedFDs := []int{s.listFD}
	if err := upgrade.ClearCloseOnExec(s.listFD); err != nil {
		s.failUpgrade(sess, msg.ID, err)
		return
	}

	var serialized []wire.SerializedWorker
	inflight := map[string][]int{}
	for _, w := range s.workers.Running() {
		if err := upgrade.ClearCloseOnExec(w.Channel.FD()); err != nil {
			s.failUpgrade(sess, msg.ID, err)
			return
		}
		clearedFDs = append(clearedFDs, w.Channel.FD())
		serialized = append(serialized, wire.SerializedWorker{
			ID: w.ID, PID: w.PID, FD: w.Channel.FD(), Token: w.Token, RunState: w.RunState.String(),
		})
		for id := range w.Inflight {
			inflight[id] = append(inflight[id], w.Token)
		}
	}

	s.writeAnswer(sess, wire.AdminAnswer{ID: msg.ID, Status: wire.StatusProcessing})

	stateJSON, err := json.Marshal(s.state)
	if err != nil {
		s.restoreCloseOnExec(clearedFDs)
		s.failUpgrade(sess, msg.ID, err)
		return
	}

	cmd, pipe, err := upgrade.SpawnSuccessor(os.Args[0], os.Args[1:])
	if err != nil {
		s.restoreCloseOnExec(clearedFDs)
		s.failUpgrade(sess, msg.ID, err)
		return
	}

	data := wire.UpgradeData{
		AdminListenerFD: s.listFD,
		Workers:         serialized,
		StateJSON:       stateJSON,
		NextWorkerID:    s.workers.PeekNextID(),
		TokenCount:      s.sessions.Len() + s.workers.Len(),
		Inflight:        inflight,
	}
	if err := upgrade.WriteUpgradeData(pipe, data); err != nil {
		pipe.Close()
		s.restoreCloseOnExec(clearedFDs)
		s.failUpgrade(sess, msg.ID, err)
		return
	}

	ok, err := upgrade.ReadAck(pipe)
	pipe.Close()
	if err != nil || !ok {
		telemetry.ObserveUpgradeAttempt("error")
		s.restoreCloseOnExec(clearedFDs)
		reason := "successor did not acknowledge"
		if err != nil {
			reason = err.Error()
		}
		s.replyError(sess, msg.ID, reason)
		_ = cmd
		return
	}

	telemetry.ObserveUpgradeAttempt("ok")
	s.replyOk(sess, msg.ID, nil)
	upgrade.FinishIncumbent(s.log)
}

func (s *Server) failUpgrade(sess *adminsession.Session, id string, err error) {
	telemetry.ObserveUpgradeAttempt("error")
	s.replyError(sess, id, err.Error())
}

func (s *Server) restoreCloseOnExec(fds []int) {
	for _, fd := range fds {
		if err := upgrade.RestoreCloseOnExec(fd); err != nil {
			s.log.Error("controlserver: restore cloexec fd=%d: %v", fd, err)
		}
	}
}
