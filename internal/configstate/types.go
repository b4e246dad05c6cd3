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

// Package configstate holds the master's authoritative in-memory proxy
// configuration: applications, frontends, backends, and certificates. The
// state is a plain value owned by the control server and mutated only by
// the event loop goroutine — see internal/controlserver — so none of the
// types here need their own locking.
package configstate

import "proxymaster/internal/wire"

// Application is a named proxy application (also accepted on the wire
// under the older "cluster" name).
type Application struct {
	AppID string
}

// FrontendKey is the unique key for an HTTP or HTTPS frontend within its
// scheme: (hostname, path_prefix).
type FrontendKey = wire.FrontendKey

// Frontend binds a FrontendKey to the application it routes to. Active
// tracks ActivateListener/DeactivateListener independently of the
// frontend's existence: a deactivated frontend is still configured, it
// just is not currently accepting connections.
type Frontend struct {
	Key    FrontendKey
	AppID  string
	Active bool
}

// TCPFrontend binds a raw listen address to the application it forwards
// to. TCP frontends have no hostname/path routing key — the listen
// address itself is unique — so they are tracked separately from the
// HTTP/HTTPS frontend tables.
type TCPFrontend struct {
	ListenAddr string
	AppID      string
	Active     bool
}

// Backend is one upstream target for an application.
type Backend struct {
	AppID   string
	ID      string
	Address string
}

// Certificate is a TLS certificate tracked by fingerprint.
type Certificate struct {
	Fingerprint string
	PEM         string
	KeyPEM      string
}
