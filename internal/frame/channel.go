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

// Package frame implements the length-delimited (newline+NUL terminated)
// JSON framing used on both the admin socket and the worker channel. A
// Channel owns a raw, non-blocking-by-default file descriptor plus its
// own read/write byte buffers; it never goes through net.Conn so the
// single-threaded event loop can drive it directly off the readiness
// poller in internal/poller without fighting the Go runtime's own
// netpoller over the same fd.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Terminator is the two-byte frame delimiter: newline followed by NUL.
var Terminator = []byte{'\n', 0}

// DefaultMaxBufferSize bounds how much unsent data a Channel will buffer
// before WriteMessage starts reporting back-pressure.
const DefaultMaxBufferSize = 1 << 20 // 1 MiB

// ErrCorruptFrame wraps a JSON decode failure; the caller has already had
// the offending bytes discarded from the receive buffer by the time this
// is returned, so the stream advances past the corrupt frame rather than
// wedging.
var ErrCorruptFrame = errors.New("frame: corrupt frame")

// Channel is a bidirectional, newline+NUL-framed JSON stream over a raw
// file descriptor.
type Channel struct {
	fd            int
	blocking      bool
	maxBufferSize int

	readBuf  []byte
	writeBuf []byte

	closed bool
}

// New wraps fd in a Channel. The fd is put into non-blocking mode
// immediately; call SetBlocking(true) for the bounded synchronous
// sections of the control server's protocol (worker config replay, the
// final upgrade reply, the successor acknowledgement read).
func New(fd int, maxBufferSize int) (*Channel, error) {
	if maxBufferSize <= 0 {
		maxBufferSize = DefaultMaxBufferSize
	}
	c := &Channel{fd: fd, maxBufferSize: maxBufferSize}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("frame: set nonblocking: %w", err)
	}
	return c, nil
}

// FD returns the underlying file descriptor, for poller registration.
func (c *Channel) FD() int { return c.fd }

// SetBlocking switches the channel's I/O mode. In blocking mode, reads
// and writes do not return until completion or EOF.
func (c *Channel) SetBlocking(blocking bool) error {
	if err := unix.SetNonblock(c.fd, !blocking); err != nil {
		return fmt.Errorf("frame: set blocking=%v: %w", blocking, err)
	}
	c.blocking = blocking
	return nil
}

// Close closes the underlying file descriptor.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}

// PendingWrite reports how many bytes are currently buffered and not yet
// written to the fd.
func (c *Channel) PendingWrite() int { return len(c.writeBuf) }

// WriteMessage serializes v, appends the frame terminator, and enqueues
// it in the send buffer, attempting an immediate flush. It returns false
// without enqueuing anything if doing so would exceed maxBufferSize; the
// caller must re-register for write readiness and retry.
func (c *Channel) WriteMessage(v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("frame: marshal: %w", err)
	}
	framed := make([]byte, 0, len(data)+len(Terminator))
	framed = append(framed, data...)
	framed = append(framed, Terminator...)

	if len(c.writeBuf)+len(framed) > c.maxBufferSize {
		return false, nil
	}
	c.writeBuf = append(c.writeBuf, framed...)

	if err := c.Flush(); err != nil && !errors.Is(err, unix.EAGAIN) {
		return false, err
	}
	return true, nil
}

// Flush attempts to drain the send buffer to the fd. In blocking mode it
// does not return until the buffer is empty or an error occurs. In
// non-blocking mode it writes until EAGAIN and returns that as a
// (non-fatal) signal that the caller should wait for write readiness.
func (c *Channel) Flush() error {
	for len(c.writeBuf) > 0 {
		n, err := unix.Write(c.fd, c.writeBuf)
		if n > 0 {
			c.writeBuf = c.writeBuf[n:]
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}

// ReadMessage parses one complete frame from the receive buffer, reading
// more bytes from the fd as needed. It returns ok=false, err=nil when
// the buffer holds no complete frame and no more bytes are currently
// available (EAGAIN in non-blocking mode). On malformed bytes it still
// advances past the corrupt frame and returns ErrCorruptFrame so the
// caller does not re-parse the same bytes forever.
func (c *Channel) ReadMessage(v any) (ok bool, err error) {
	for {
		if idx := bytes.Index(c.readBuf, Terminator); idx >= 0 {
			raw := c.readBuf[:idx]
			c.readBuf = c.readBuf[idx+len(Terminator):]
			if uerr := json.Unmarshal(raw, v); uerr != nil {
				return false, fmt.Errorf("%w: %v", ErrCorruptFrame, uerr)
			}
			return true, nil
		}

		buf := make([]byte, 4096)
		n, rerr := unix.Read(c.fd, buf)
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, unix.EINTR) {
				continue
			}
			if errors.Is(rerr, unix.EAGAIN) {
				return false, nil
			}
			return false, rerr
		}
		// n == 0, rerr == nil: peer closed the connection.
		return false, io.EOF
	}
}
