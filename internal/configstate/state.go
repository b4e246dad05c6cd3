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

package configstate

import (
	"errors"
	"fmt"
	"sort"

	"proxymaster/internal/wire"
)

// ErrUnknownOrderKind is returned by HandleOrder for a Kind this state
// does not understand. The caller logs and discards it; it is never
// fatal.
var ErrUnknownOrderKind = errors.New("configstate: unknown order kind")

// ErrUnknownApplication is returned when a frontend or backend order
// references an app_id with no matching Application.
var ErrUnknownApplication = errors.New("configstate: unknown application")

// ErrUnknownListener is returned by ActivateListener/DeactivateListener
// when the order's target does not match any registered frontend.
var ErrUnknownListener = errors.New("configstate: unknown listener")

// ConfigState is the master's authoritative in-memory proxy configuration.
// It is owned by the control server and mutated only from the event loop
// goroutine; see internal/controlserver.
type ConfigState struct {
	Applications map[string]Application
	HTTPFronts   map[FrontendKey]Frontend
	HTTPSFronts  map[FrontendKey]Frontend
	TCPFronts    map[string]TCPFrontend        // listen_addr -> TCPFrontend
	Backends     map[string]map[string]Backend // app_id -> backend_id -> Backend
	Certificates map[string]Certificate        // fingerprint -> Certificate
}

// New returns an empty ConfigState.
func New() *ConfigState {
	return &ConfigState{
		Applications: map[string]Application{},
		HTTPFronts:   map[FrontendKey]Frontend{},
		HTTPSFronts:  map[FrontendKey]Frontend{},
		TCPFronts:    map[string]TCPFrontend{},
		Backends:     map[string]map[string]Backend{},
		Certificates: map[string]Certificate{},
	}
}

// FromOrders replays orders into a fresh ConfigState, in the order
// given, and returns the result. HandleOrder errors (e.g. a frontend
// referencing an unknown application because the order stream was
// truncated by a parse failure) are logged nowhere here: callers that
// care about partial-load diagnostics inspect the caller-side parse
// error instead, since FromOrders itself cannot fail.
func FromOrders(orders []wire.Order) *ConfigState {
	s := New()
	for _, o := range orders {
		_ = s.HandleOrder(o)
	}
	return s
}

// HandleOrder applies order in place. Additions are idempotent; removals
// of absent entities are no-ops. An unrecognized kind or an order that
// violates the "frontend app_id must be known" invariant returns an
// error; the caller is expected to log it and continue.
func (s *ConfigState) HandleOrder(o wire.Order) error {
	switch o.Kind {
	case wire.KindAddApplication:
		if _, ok := s.Applications[o.AppID]; !ok {
			s.Applications[o.AppID] = Application{AppID: o.AppID}
		}
		return nil

	case wire.KindRemoveApplication:
		delete(s.Applications, o.AppID)
		return nil

	case wire.KindAddHttpFront:
		return s.addFront(s.HTTPFronts, o)
	case wire.KindRemoveHttpFront:
		delete(s.HTTPFronts, FrontendKey{Hostname: o.Hostname, PathBegin: o.PathBegin})
		return nil

	case wire.KindAddHttpsFront:
		return s.addFront(s.HTTPSFronts, o)
	case wire.KindRemoveHttpsFront:
		delete(s.HTTPSFronts, FrontendKey{Hostname: o.Hostname, PathBegin: o.PathBegin})
		return nil

	case wire.KindAddTcpFront:
		return s.addTCPFront(o)
	case wire.KindRemoveTcpFront:
		delete(s.TCPFronts, o.ListenAddr)
		return nil

	case wire.KindActivateListener:
		return s.setListenerActive(o, true)
	case wire.KindDeactivateListener:
		return s.setListenerActive(o, false)

	case wire.KindAddCertificate:
		if _, ok := s.Certificates[o.CertificateFingerprint]; !ok {
			s.Certificates[o.CertificateFingerprint] = Certificate{
				Fingerprint: o.CertificateFingerprint,
				PEM:         o.CertificatePEM,
				KeyPEM:      o.CertificateKeyPEM,
			}
		}
		return nil
	case wire.KindRemoveCertificate:
		delete(s.Certificates, o.CertificateFingerprint)
		return nil

	case wire.KindAddBackend:
		if _, ok := s.Applications[o.AppID]; !ok {
			return fmt.Errorf("%w: add backend %s for app %q", ErrUnknownApplication, o.BackendID, o.AppID)
		}
		if s.Backends[o.AppID] == nil {
			s.Backends[o.AppID] = map[string]Backend{}
		}
		if _, ok := s.Backends[o.AppID][o.BackendID]; !ok {
			s.Backends[o.AppID][o.BackendID] = Backend{AppID: o.AppID, ID: o.BackendID, Address: o.BackendAddress}
		}
		return nil
	case wire.KindRemoveBackend:
		if byID, ok := s.Backends[o.AppID]; ok {
			delete(byID, o.BackendID)
			if len(byID) == 0 {
				delete(s.Backends, o.AppID)
			}
		}
		return nil

	case wire.KindSoftStop, wire.KindHardStop, wire.KindStatus, wire.KindMetrics:
		// These are worker lifecycle/query orders; they do not mutate
		// ConfigState and are handled entirely by the control server.
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnknownOrderKind, o.Kind)
	}
}

func (s *ConfigState) addFront(into map[FrontendKey]Frontend, o wire.Order) error {
	if _, ok := s.Applications[o.AppID]; !ok {
		return fmt.Errorf("%w: add front %s%s for app %q", ErrUnknownApplication, o.Hostname, o.PathBegin, o.AppID)
	}
	key := FrontendKey{Hostname: o.Hostname, PathBegin: o.PathBegin}
	if _, ok := into[key]; !ok {
		into[key] = Frontend{Key: key, AppID: o.AppID, Active: true}
	}
	return nil
}

func (s *ConfigState) addTCPFront(o wire.Order) error {
	if _, ok := s.Applications[o.AppID]; !ok {
		return fmt.Errorf("%w: add tcp front %s for app %q", ErrUnknownApplication, o.ListenAddr, o.AppID)
	}
	if _, ok := s.TCPFronts[o.ListenAddr]; !ok {
		s.TCPFronts[o.ListenAddr] = TCPFrontend{ListenAddr: o.ListenAddr, AppID: o.AppID, Active: true}
	}
	return nil
}

// setListenerActive toggles the Active flag of the frontend an
// ActivateListener/DeactivateListener order targets. A TCP front is
// targeted by ListenAddr; an HTTP or HTTPS front is targeted by
// Hostname+PathBegin, whichever table it is registered in.
func (s *ConfigState) setListenerActive(o wire.Order, active bool) error {
	if o.ListenAddr != "" {
		front, ok := s.TCPFronts[o.ListenAddr]
		if !ok {
			return fmt.Errorf("%w: tcp %s", ErrUnknownListener, o.ListenAddr)
		}
		front.Active = active
		s.TCPFronts[o.ListenAddr] = front
		return nil
	}
	key := FrontendKey{Hostname: o.Hostname, PathBegin: o.PathBegin}
	if front, ok := s.HTTPFronts[key]; ok {
		front.Active = active
		s.HTTPFronts[key] = front
		return nil
	}
	if front, ok := s.HTTPSFronts[key]; ok {
		front.Active = active
		s.HTTPSFronts[key] = front
		return nil
	}
	return fmt.Errorf("%w: %s%s", ErrUnknownListener, o.Hostname, o.PathBegin)
}

// GenerateOrders produces the finite sequence of Orders that, replayed
// into an empty ConfigState, reproduces s. Emission order: applications,
// backends, HTTP/HTTPS/TCP frontends, certificates, then a
// DeactivateListener for every frontend whose Active flag is false
// (fresh frontends default to active, so only the deviations need a
// trailing order).
func (s *ConfigState) GenerateOrders() []wire.Order {
	var out []wire.Order
	var deactivations []wire.Order

	for _, appID := range sortedKeys(s.Applications) {
		out = append(out, wire.Order{Kind: wire.KindAddApplication, AppID: appID})
	}

	for _, appID := range sortedBackendApps(s.Backends) {
		for _, backendID := range sortedBackendIDs(s.Backends[appID]) {
			b := s.Backends[appID][backendID]
			out = append(out, wire.Order{Kind: wire.KindAddBackend, AppID: b.AppID, BackendID: b.ID, BackendAddress: b.Address})
		}
	}

	for _, key := range sortedFrontendKeys(s.HTTPFronts) {
		f := s.HTTPFronts[key]
		out = append(out, wire.AddHttpFront(f.AppID, f.Key))
		if !f.Active {
			deactivations = append(deactivations, wire.Order{Kind: wire.KindDeactivateListener, Hostname: f.Key.Hostname, PathBegin: f.Key.PathBegin})
		}
	}

	for _, key := range sortedFrontendKeys(s.HTTPSFronts) {
		f := s.HTTPSFronts[key]
		out = append(out, wire.AddHttpsFront(f.AppID, f.Key))
		if !f.Active {
			deactivations = append(deactivations, wire.Order{Kind: wire.KindDeactivateListener, Hostname: f.Key.Hostname, PathBegin: f.Key.PathBegin})
		}
	}

	for _, addr := range sortedKeys(s.TCPFronts) {
		f := s.TCPFronts[addr]
		out = append(out, wire.AddTcpFront(f.AppID, f.ListenAddr))
		if !f.Active {
			deactivations = append(deactivations, wire.Order{Kind: wire.KindDeactivateListener, ListenAddr: f.ListenAddr})
		}
	}

	for _, fp := range sortedKeys(s.Certificates) {
		c := s.Certificates[fp]
		out = append(out, wire.Order{Kind: wire.KindAddCertificate, CertificateFingerprint: c.Fingerprint, CertificatePEM: c.PEM, CertificateKeyPEM: c.KeyPEM})
	}

	return append(out, deactivations...)
}

// Diff computes the minimal order sequence that, applied to s, yields
// target. Removals precede additions; within removals, frontends and
// backends precede the applications they reference; within additions,
// applications precede the backends and frontends that reference them.
func (s *ConfigState) Diff(target *ConfigState) []wire.Order {
	var removals, additions []wire.Order

	// HTTP frontend removals/additions.
	for _, key := range sortedFrontendKeys(s.HTTPFronts) {
		if _, ok := target.HTTPFronts[key]; !ok {
			removals = append(removals, wire.Order{Kind: wire.KindRemoveHttpFront, Hostname: key.Hostname, PathBegin: key.PathBegin})
		}
	}
	// HTTPS frontend removals.
	for _, key := range sortedFrontendKeys(s.HTTPSFronts) {
		if _, ok := target.HTTPSFronts[key]; !ok {
			removals = append(removals, wire.Order{Kind: wire.KindRemoveHttpsFront, Hostname: key.Hostname, PathBegin: key.PathBegin})
		}
	}
	// TCP frontend removals.
	for _, addr := range sortedKeys(s.TCPFronts) {
		if _, ok := target.TCPFronts[addr]; !ok {
			removals = append(removals, wire.Order{Kind: wire.KindRemoveTcpFront, ListenAddr: addr})
		}
	}
	// Backend removals.
	for _, appID := range sortedBackendApps(s.Backends) {
		for _, backendID := range sortedBackendIDs(s.Backends[appID]) {
			if _, ok := backendLookup(target.Backends, appID, backendID); !ok {
				removals = append(removals, wire.Order{Kind: wire.KindRemoveBackend, AppID: appID, BackendID: backendID})
			}
		}
	}
	// Certificate removals.
	for _, fp := range sortedKeys(s.Certificates) {
		if _, ok := target.Certificates[fp]; !ok {
			removals = append(removals, wire.Order{Kind: wire.KindRemoveCertificate, CertificateFingerprint: fp})
		}
	}
	// Application removals (last among removals).
	for _, appID := range sortedKeys(s.Applications) {
		if _, ok := target.Applications[appID]; !ok {
			removals = append(removals, wire.Order{Kind: wire.KindRemoveApplication, AppID: appID})
		}
	}

	// Application additions (first among additions).
	for _, appID := range sortedKeys(target.Applications) {
		if _, ok := s.Applications[appID]; !ok {
			additions = append(additions, wire.Order{Kind: wire.KindAddApplication, AppID: appID})
		}
	}
	// Backend additions.
	for _, appID := range sortedBackendApps(target.Backends) {
		for _, backendID := range sortedBackendIDs(target.Backends[appID]) {
			if _, ok := backendLookup(s.Backends, appID, backendID); !ok {
				b := target.Backends[appID][backendID]
				additions = append(additions, wire.Order{Kind: wire.KindAddBackend, AppID: b.AppID, BackendID: b.ID, BackendAddress: b.Address})
			}
		}
	}
	// HTTP frontend additions.
	for _, key := range sortedFrontendKeys(target.HTTPFronts) {
		if _, ok := s.HTTPFronts[key]; !ok {
			f := target.HTTPFronts[key]
			additions = append(additions, wire.AddHttpFront(f.AppID, f.Key))
		}
	}
	// HTTPS frontend additions.
	for _, key := range sortedFrontendKeys(target.HTTPSFronts) {
		if _, ok := s.HTTPSFronts[key]; !ok {
			f := target.HTTPSFronts[key]
			additions = append(additions, wire.AddHttpsFront(f.AppID, f.Key))
		}
	}
	// TCP frontend additions.
	for _, addr := range sortedKeys(target.TCPFronts) {
		if _, ok := s.TCPFronts[addr]; !ok {
			f := target.TCPFronts[addr]
			additions = append(additions, wire.AddTcpFront(f.AppID, f.ListenAddr))
		}
	}
	// Certificate additions.
	for _, fp := range sortedKeys(target.Certificates) {
		if _, ok := s.Certificates[fp]; !ok {
			c := target.Certificates[fp]
			additions = append(additions, wire.Order{Kind: wire.KindAddCertificate, CertificateFingerprint: c.Fingerprint, CertificatePEM: c.PEM, CertificateKeyPEM: c.KeyPEM})
		}
	}

	// Activate/deactivate toggles for every frontend in target whose
	// Active flag doesn't already match: a freshly-added front defaults
	// to active (the Add* orders above carry no activation state), so a
	// target front that is absent from s still needs a toggle if it is
	// inactive there; trailed after the structural changes since they
	// target fronts that exist post-diff either way.
	var toggles []wire.Order
	for _, key := range sortedFrontendKeys(target.HTTPFronts) {
		tf := target.HTTPFronts[key]
		sf, existed := s.HTTPFronts[key]
		if (existed && sf.Active != tf.Active) || (!existed && !tf.Active) {
			toggles = append(toggles, listenerToggle(tf.Active, wire.Order{Hostname: key.Hostname, PathBegin: key.PathBegin}))
		}
	}
	for _, key := range sortedFrontendKeys(target.HTTPSFronts) {
		tf := target.HTTPSFronts[key]
		sf, existed := s.HTTPSFronts[key]
		if (existed && sf.Active != tf.Active) || (!existed && !tf.Active) {
			toggles = append(toggles, listenerToggle(tf.Active, wire.Order{Hostname: key.Hostname, PathBegin: key.PathBegin}))
		}
	}
	for _, addr := range sortedKeys(target.TCPFronts) {
		tf := target.TCPFronts[addr]
		sf, existed := s.TCPFronts[addr]
		if (existed && sf.Active != tf.Active) || (!existed && !tf.Active) {
			toggles = append(toggles, listenerToggle(tf.Active, wire.Order{ListenAddr: addr}))
		}
	}

	out := append(removals, additions...)
	return append(out, toggles...)
}

// listenerToggle builds an ActivateListener/DeactivateListener order
// targeting the frontend identified by target's Hostname/PathBegin or
// ListenAddr fields.
func listenerToggle(active bool, target wire.Order) wire.Order {
	kind := wire.KindDeactivateListener
	if active {
		kind = wire.KindActivateListener
	}
	target.Kind = kind
	return target
}

// Equal reports whether s and other hold the same entities. It ignores
// map iteration order, which is not semantically meaningful.
func (s *ConfigState) Equal(other *ConfigState) bool {
	if len(s.Applications) != len(other.Applications) || len(s.HTTPFronts) != len(other.HTTPFronts) ||
		len(s.HTTPSFronts) != len(other.HTTPSFronts) || len(s.TCPFronts) != len(other.TCPFronts) ||
		len(s.Certificates) != len(other.Certificates) {
		return false
	}
	for id := range s.Applications {
		if _, ok := other.Applications[id]; !ok {
			return false
		}
	}
	for k, f := range s.HTTPFronts {
		of, ok := other.HTTPFronts[k]
		if !ok || of.AppID != f.AppID || of.Active != f.Active {
			return false
		}
	}
	for k, f := range s.HTTPSFronts {
		of, ok := other.HTTPSFronts[k]
		if !ok || of.AppID != f.AppID || of.Active != f.Active {
			return false
		}
	}
	for addr, f := range s.TCPFronts {
		of, ok := other.TCPFronts[addr]
		if !ok || of.AppID != f.AppID || of.Active != f.Active {
			return false
		}
	}
	for fp, c := range s.Certificates {
		oc, ok := other.Certificates[fp]
		if !ok || oc != c {
			return false
		}
	}
	if len(s.Backends) != len(other.Backends) {
		return false
	}
	for appID, byID := range s.Backends {
		otherByID, ok := other.Backends[appID]
		if !ok || len(otherByID) != len(byID) {
			return false
		}
		for id, b := range byID {
			ob, ok := otherByID[id]
			if !ok || ob != b {
				return false
			}
		}
	}
	return true
}

func backendLookup(m map[string]map[string]Backend, appID, backendID string) (Backend, bool) {
	byID, ok := m[appID]
	if !ok {
		return Backend{}, false
	}
	b, ok := byID[backendID]
	return b, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBackendApps(m map[string]map[string]Backend) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedBackendIDs(m map[string]Backend) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFrontendKeys(m map[FrontendKey]Frontend) []FrontendKey {
	keys := make([]FrontendKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Hostname != keys[j].Hostname {
			return keys[i].Hostname < keys[j].Hostname
		}
		return keys[i].PathBegin < keys[j].PathBegin
	})
	return keys
}
