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

// Package poller is a minimal epoll wrapper giving the control server
// (internal/controlserver) a single readiness-driven event source: one
// poller, multiplexing the admin listener, every admin client, and
// every worker channel, with no per-connection goroutines.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification. FD is the registered file
// descriptor; it doubles as the token the rest of the control server
// uses to look entities up in its slabs.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
	Hup      bool
}

// registeredEvents is the bitmask every registration uses: interested in
// read and write readiness, edge-triggered so the control server must
// drain each side fully on every notification.
const registeredEvents = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP

// Poller wraps a single epoll instance.
type Poller struct {
	epfd int
	buf  []unix.EpollEvent
}

// New creates a Poller with room for maxEvents per Wait call.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd, buf: make([]unix.EpollEvent, maxEvents)}, nil
}

// Close closes the underlying epoll fd.
func (p *Poller) Close() error { return unix.Close(p.epfd) }

// Add registers fd for read/write readiness notifications.
func (p *Poller) Add(fd int) error {
	ev := unix.EpollEvent{Events: registeredEvents, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was
// already closed (the kernel drops epoll interest automatically on
// close, so a Remove racing a Close on the same fd is tolerated).
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered fd is ready or timeoutMs
// elapses (a negative timeoutMs blocks indefinitely). The control
// server's housekeeping tick is implemented by passing the tick
// interval as timeoutMs and treating a zero-length result as "the timer
// fired".
func (p *Poller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := p.buf[i]
		events = append(events, Event{
			FD:       int(e.Fd),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&unix.EPOLLERR != 0,
			Hup:      e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		})
	}
	return events, nil
}
