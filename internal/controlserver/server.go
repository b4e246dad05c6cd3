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

// Package controlserver is the single-threaded, readiness-driven event
// loop that ties together the rest of this repository: it multiplexes
// the admin listener, every admin client, and every worker channel over
// one poller, applies admin commands against the configuration state,
// fans orders out to workers, and correlates their replies back to the
// originating admin session.
package controlserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"proxymaster/internal/adminsession"
	"proxymaster/internal/configstate"
	"proxymaster/internal/fanout"
	"proxymaster/internal/frame"
	"proxymaster/internal/masterlog"
	"proxymaster/internal/poller"
	"proxymaster/internal/statestore"
	"proxymaster/internal/telemetry"
	"proxymaster/internal/wire"
	"proxymaster/internal/workerregistry"
)

// DefaultHousekeepingInterval is the poller timeout used for the
// periodic housekeeping tick: worker heartbeat probes and idle session
// sweeps. Admin fan-outs that are still waiting on workers are not
// scanned for stalls.
const DefaultHousekeepingInterval = 700 * time.Millisecond

// IdleSessionTimeout closes an admin session that has sent nothing and
// has no pending replies for this long.
const IdleSessionTimeout = 5 * time.Minute

// Config configures a Server.
type Config struct {
	SocketPath           string
	WorkerBin            string
	MaxAdminSessions     int
	HousekeepingInterval time.Duration
	WorkerTimeout        time.Duration
	Log                  *masterlog.Logger
	Backend              statestore.Backend
}

// Server is the control plane's event loop.
type Server struct {
	cfg    Config
	log    *masterlog.Logger
	poll   *poller.Poller
	listFD int

	sessions *adminsession.Table
	workers  *workerregistry.Registry
	fanout   *fanout.Tracker
	state    *configstate.ConfigState
	backend  statestore.Backend

	msgSeq uint64

	closing bool
}

// New constructs a Server listening on cfg.SocketPath. The listener is
// created but not yet registered with the poller; call Run to start
// serving.
func New(cfg Config) (*Server, error) {
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

	fd, err := listenUnix(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("controlserver: listen %q: %w", cfg.SocketPath, err)
	}

	p, err := poller.New(256)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("controlserver: new poller: %w", err)
	}
	if err := p.Add(fd); err != nil {
		unix.Close(fd)
		p.Close()
		return nil, fmt.Errorf("controlserver: register listener: %w", err)
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Log,
		poll:     p,
		listFD:   fd,
		sessions: adminsession.NewTableWithCap(cfg.MaxAdminSessions),
		workers:  workerregistry.New(),
		fanout:   fanout.New(),
		state:    configstate.New(),
		backend:  cfg.Backend,
	}, nil
}

// listenUnix creates a non-blocking AF_UNIX stream listener at path,
// removing any stale socket file left behind by a prior process.
func listenUnix(path string) (int, error) {
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Close tears down the listener and poller. It does not close
// already-adopted session or worker channels; callers that own those
// (tests, successor bootstrap) close them directly.
func (s *Server) Close() error {
	unix.Close(s.listFD)
	return s.poll.Close()
}

// nextID returns an internally generated request id with the given
// prefix, used for frames the server originates itself rather than an
// admin client (LOAD-STATE-<n>). LAUNCH-CONF-<n> replay ids do not come
// from here: handleLaunchWorker numbers them from 0 for each launch.
func (s *Server) nextID(prefix string) string {
	id := fmt.Sprintf("%s-%d", prefix, s.msgSeq)
	s.msgSeq++
	return id
}

// Run drives the event loop until ctx is cancelled or an unrecoverable
// error occurs (poller failure). It is the only blocking call in this
// package; everything else runs synchronously on this goroutine, since
// the configuration state has no locking of its own.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closing = true
			return nil
		default:
		}

		events, err := s.poll.Wait(int(s.cfg.HousekeepingInterval / time.Millisecond))
		if err != nil {
			return fmt.Errorf("controlserver: poll wait: %w", err)
		}
		if len(events) == 0 {
			s.housekeeping()
			continue
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev poller.Event) {
	if ev.FD == s.listFD {
		s.acceptAdminClients()
		return
	}
	if sess, ok := s.sessions.Get(ev.FD); ok {
		s.handleSessionEvent(sess, ev)
		return
	}
	if w, ok := s.workers.Get(ev.FD); ok {
		s.handleWorkerEvent(w, ev)
		return
	}
	s.log.Warn("controlserver: event for unknown fd=%d", ev.FD)
}

func (s *Server) acceptAdminClients() {
	for {
		fd, _, err := unix.Accept4(s.listFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			s.log.Error("controlserver: accept: %v", err)
			return
		}

		if s.sessions.Full() {
			unix.Close(fd)
			telemetry.ObserveAdminSessionRejected()
			continue
		}

		ch, err := frame.New(fd, frame.DefaultMaxBufferSize)
		if err != nil {
			s.log.Error("controlserver: wrap admin fd=%d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		if err := s.poll.Add(ch.FD()); err != nil {
			s.log.Error("controlserver: register admin fd=%d: %v", fd, err)
			ch.Close()
			continue
		}
		s.sessions.Add(ch.FD(), ch)
		telemetry.SetAdminSessionsActive(s.sessions.Len())
		s.log.Debug("controlserver: accepted admin session fd=%d", fd)
	}
}

func (s *Server) handleSessionEvent(sess *adminsession.Session, ev poller.Event) {
	if ev.Err || ev.Hup {
		s.closeSession(sess)
		return
	}
	if ev.Writable {
		if err := sess.Channel.Flush(); err != nil && !errors.Is(err, unix.EAGAIN) {
			s.closeSession(sess)
			return
		}
	}
	if !ev.Readable {
		return
	}
	for {
		var msg wire.AdminMessage
		ok, err := sess.Channel.ReadMessage(&msg)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.closeSession(sess)
				return
			}
			if errors.Is(err, frame.ErrCorruptFrame) {
				s.replyError(sess, "", "malformed admin frame")
				continue
			}
			s.log.Error("controlserver: read admin fd=%d: %v", sess.Token, err)
			s.closeSession(sess)
			return
		}
		if !ok {
			return
		}
		sess.LastActive = time.Now()
		msg.Data.Order.UnmarshalKind()
		s.handleAdminMessage(sess, msg)
	}
}

func (s *Server) closeSession(sess *adminsession.Session) {
	s.poll.Remove(sess.Token)
	sess.Channel.Close()
	s.sessions.Remove(sess.Token)
	telemetry.SetAdminSessionsActive(s.sessions.Len())
	s.log.Debug("controlserver: closed admin session fd=%d", sess.Token)
}

func (s *Server) handleWorkerEvent(w *workerregistry.Worker, ev poller.Event) {
	if ev.Err || ev.Hup {
		s.workerGone(w, "worker channel closed")
		return
	}
	if ev.Writable {
		if err := w.Channel.Flush(); err != nil && !errors.Is(err, unix.EAGAIN) {
			s.workerGone(w, err.Error())
			return
		}
	}
	if !ev.Readable {
		return
	}
	for {
		var answer wire.OrderAnswer
		ok, err := w.Channel.ReadMessage(&answer)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.workerGone(w, "worker disconnected")
				return
			}
			if errors.Is(err, frame.ErrCorruptFrame) {
				s.log.Warn("controlserver: malformed frame from worker id=%d", w.ID)
				continue
			}
			s.log.Error("controlserver: read worker id=%d: %v", w.ID, err)
			s.workerGone(w, err.Error())
			return
		}
		if !ok {
			return
		}
		s.handleWorkerAnswer(w, answer)
	}
}

func (s *Server) workerGone(w *workerregistry.Worker, reason string) {
	s.poll.Remove(w.Token)
	w.Channel.Close()
	s.workers.Remove(w.Token)
	telemetry.SetWorkersRunning(len(s.workers.Running()))

	completed := s.fanout.WorkerGone(w.Token, fmt.Sprintf("worker %d: %s", w.ID, reason))
	for id, outcomes := range completed {
		s.completeFanout(id, outcomes)
	}
	s.log.Warn("controlserver: worker id=%d gone: %s", w.ID, reason)
}

func (s *Server) handleWorkerAnswer(w *workerregistry.Worker, answer wire.OrderAnswer) {
	w.UntrackOrder(answer.ID)
	if strings.HasPrefix(answer.ID, "HEARTBEAT-") {
		w.LastHeartbeatAck = time.Now()
		return
	}
	ok := answer.Status == wire.StatusOk
	if answer.Status == wire.StatusProcessing {
		return
	}
	var message string
	if !ok {
		message = fmt.Sprintf("worker %d: %s", w.ID, string(answer.Data))
	}
	outcomes, done := s.fanout.WorkerReplied(answer.ID, w.Token, ok, message)
	if done {
		s.completeFanout(answer.ID, outcomes)
	}
}

func (s *Server) completeFanout(id string, outcomes []fanout.Outcome) {
	ok, message := fanout.Aggregate(outcomes)
	status := wire.StatusOk
	if !ok {
		status = wire.StatusError
	}
	telemetry.ObserveFanoutCompleted(string(status))

	for _, token := range s.sessions.SubscribersOf(id) {
		sess, found := s.sessions.Get(token)
		if !found {
			continue
		}
		sess.CompleteMessageID(id)
		s.writeAnswer(sess, wire.AdminAnswer{ID: id, Status: status, Message: message})
	}
}

func (s *Server) housekeeping() {
	now := time.Now()
	s.sessions.ForEach(func(sess *adminsession.Session) {
		if len(sess.PendingIDs) == 0 && now.Sub(sess.LastActive) > IdleSessionTimeout {
			s.closeSession(sess)
		}
	})
	s.scanWorkerHeartbeats(now)
}

// scanWorkerHeartbeats probes every Running worker with a Status order
// once per housekeeping tick and marks a worker NotAnswering if its
// previous probe has gone unanswered for longer than WorkerTimeout.
// Heartbeat request ids are never tracked in the fan-out tracker: no
// admin session is waiting on them, so a late or missing reply simply
// has no subscriber to notify.
func (s *Server) scanWorkerHeartbeats(now time.Time) {
	timeout := s.cfg.WorkerTimeout
	if timeout <= 0 {
		return
	}
	s.workers.ForEach(func(w *workerregistry.Worker) {
		if w.RunState != workerregistry.Running {
			return
		}
		heartbeatID := fmt.Sprintf("HEARTBEAT-%d", w.ID)
		if _, owed := w.Inflight[heartbeatID]; owed {
			if now.Sub(w.LastHeartbeatSent) > timeout {
				s.log.Warn("controlserver: worker id=%d not answering heartbeat", w.ID)
				if err := s.workers.MarkNotAnswering(w.Token); err != nil {
					s.log.Error("controlserver: mark not answering id=%d: %v", w.ID, err)
				}
				telemetry.SetWorkersRunning(len(s.workers.Running()))
			}
			return
		}
		w.TrackOrder(heartbeatID, wire.Order{Kind: wire.KindStatus})
		w.LastHeartbeatSent = now
		if _, err := w.Channel.WriteMessage(wire.OrderMessage{ID: heartbeatID, Order: wire.Order{Kind: wire.KindStatus}}); err != nil {
			s.log.Error("controlserver: heartbeat write to worker id=%d: %v", w.ID, err)
		}
	})
}

// writeAnswer sends ans to sess, closing the session if the write fails
// outright (as opposed to merely buffering under back-pressure).
func (s *Server) writeAnswer(sess *adminsession.Session, ans wire.AdminAnswer) {
	buffered, err := sess.Channel.WriteMessage(ans)
	if err != nil {
		s.log.Error("controlserver: write admin fd=%d: %v", sess.Token, err)
		s.closeSession(sess)
		return
	}
	if !buffered {
		s.log.Warn("controlserver: admin fd=%d send buffer saturated, dropping answer id=%s", sess.Token, ans.ID)
	}
}

func (s *Server) replyError(sess *adminsession.Session, id, message string) {
	s.writeAnswer(sess, wire.AdminAnswer{ID: id, Status: wire.StatusError, Message: message})
}

func (s *Server) replyOk(sess *adminsession.Session, id string, data *wire.AnswerPayload) {
	s.writeAnswer(sess, wire.AdminAnswer{ID: id, Status: wire.StatusOk, Data: data})
}
