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

// Package masterlog provides a thread-safe, levelled logger backed by the
// standard library's log package. The event loop is single-threaded, but
// the logger is still guarded because cmd/proxy-master also runs
// auxiliary goroutines (the metrics HTTP server, the signal handler).
package masterlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Level is a logging verbosity level.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a structured, levelled logger. The zero value is not usable;
// construct with New.
type Logger struct {
	out   *log.Logger
	level atomic.Int32
}

// New creates a Logger writing to w at the given minimum level.
func New(w io.Writer, level Level) *Logger {
	l := &Logger{out: log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)}
	l.level.Store(int32(level))
	return l
}

// Default creates a Logger writing to stderr at LevelInfo, the same
// default the command-line entry points use unless -log-level overrides it.
func Default() *Logger { return New(os.Stderr, LevelInfo) }

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) enabled(level Level) bool { return Level(l.level.Load()) <= level }

func (l *Logger) logf(level Level, format string, args ...any) {
	if !l.enabled(level) {
		return
	}
	l.out.Printf("%-5s %s", level.String(), fmt.Sprintf(format, args...))
}

// Debug logs a formatted message at LevelDebug.
func (l *Logger) Debug(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Info logs a formatted message at LevelInfo.
func (l *Logger) Info(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warn logs a formatted message at LevelWarn.
func (l *Logger) Warn(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Error logs a formatted message at LevelError.
func (l *Logger) Error(format string, args ...any) { l.logf(LevelError, format, args...) }
