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
	"testing"

	"proxymaster/internal/wire"
)

func sampleState(t *testing.T) *ConfigState {
	t.Helper()
	s := New()
	orders := []wire.Order{
		{Kind: wire.KindAddApplication, AppID: "app"},
		{Kind: wire.KindAddBackend, AppID: "app", BackendID: "b1", BackendAddress: "127.0.0.1:8080"},
		wire.AddHttpFront("app", wire.FrontendKey{Hostname: "ex.com", PathBegin: "/"}),
		wire.AddHttpsFront("app", wire.FrontendKey{Hostname: "ex.com", PathBegin: "/secure"}),
		{Kind: wire.KindAddCertificate, CertificateFingerprint: "fp1", CertificatePEM: "pem", CertificateKeyPEM: "key"},
	}
	for _, o := range orders {
		if err := s.HandleOrder(o); err != nil {
			t.Fatalf("apply %+v: %v", o, err)
		}
	}
	return s
}

func apply(t *testing.T, s *ConfigState, orders []wire.Order) {
	t.Helper()
	for _, o := range orders {
		if err := s.HandleOrder(o); err != nil {
			t.Fatalf("apply %+v: %v", o, err)
		}
	}
}

// TestRoundTrip covers invariant 1: apply(empty, generate_orders(S)) == S.
func TestRoundTrip(t *testing.T) {
	original := sampleState(t)
	replayed := New()
	apply(t, replayed, original.GenerateOrders())

	if !original.Equal(replayed) {
		t.Fatalf("round trip mismatch:\noriginal: %+v\nreplayed: %+v", original, replayed)
	}
}

// TestDiffThenApplyReachesTarget covers invariant 2: apply(S, diff(S, T)) == T.
func TestDiffThenApplyReachesTarget(t *testing.T) {
	source := sampleState(t)

	target := New()
	apply(t, target, []wire.Order{
		{Kind: wire.KindAddApplication, AppID: "app"},
		{Kind: wire.KindAddApplication, AppID: "app2"},
		wire.AddHttpFront("app2", wire.FrontendKey{Hostname: "other.com", PathBegin: "/"}),
	})

	diffOrders := source.Diff(target)
	apply(t, source, diffOrders)

	if !source.Equal(target) {
		t.Fatalf("diff+apply mismatch:\ngot:  %+v\nwant: %+v", source, target)
	}
}

// TestIdempotence covers invariant 3: apply(S, [o, o]) == apply(S, [o]).
func TestIdempotence(t *testing.T) {
	addOnce := New()
	apply(t, addOnce, []wire.Order{{Kind: wire.KindAddApplication, AppID: "app"}})

	addTwice := New()
	apply(t, addTwice, []wire.Order{
		{Kind: wire.KindAddApplication, AppID: "app"},
		{Kind: wire.KindAddApplication, AppID: "app"},
	})

	if !addOnce.Equal(addTwice) {
		t.Fatalf("adding twice should be a no-op the second time")
	}

	removeOnce := sampleState(t)
	apply(t, removeOnce, []wire.Order{{Kind: wire.KindRemoveBackend, AppID: "app", BackendID: "b1"}})

	removeTwice := sampleState(t)
	apply(t, removeTwice, []wire.Order{
		{Kind: wire.KindRemoveBackend, AppID: "app", BackendID: "b1"},
		{Kind: wire.KindRemoveBackend, AppID: "app", BackendID: "b1"},
	})

	if !removeOnce.Equal(removeTwice) {
		t.Fatalf("removing twice should be a no-op the second time")
	}
}

func TestRemovingAbsentEntityIsNoOp(t *testing.T) {
	s := New()
	if err := s.HandleOrder(wire.Order{Kind: wire.KindRemoveApplication, AppID: "ghost"}); err != nil {
		t.Fatalf("removing an absent application must not error: %v", err)
	}
	if err := s.HandleOrder(wire.Order{Kind: wire.KindRemoveBackend, AppID: "ghost", BackendID: "b"}); err != nil {
		t.Fatalf("removing an absent backend must not error: %v", err)
	}
}

func TestFrontendRequiresKnownApplication(t *testing.T) {
	s := New()
	err := s.HandleOrder(wire.AddHttpFront("missing-app", wire.FrontendKey{Hostname: "ex.com", PathBegin: "/"}))
	if err == nil {
		t.Fatalf("expected error adding a frontend for an unknown application")
	}
}

func TestUnknownOrderKindIsSkippedNotFatal(t *testing.T) {
	s := New()
	err := s.HandleOrder(wire.Order{Kind: "NotARealKind"})
	if err == nil {
		t.Fatalf("expected an error for an unrecognized kind")
	}
	// The caller (control server) is expected to log and continue; the
	// state itself must remain usable afterwards.
	if err2 := s.HandleOrder(wire.Order{Kind: wire.KindAddApplication, AppID: "app"}); err2 != nil {
		t.Fatalf("state should remain usable after an unknown order: %v", err2)
	}
}

func TestTcpFrontRequiresKnownApplication(t *testing.T) {
	s := New()
	err := s.HandleOrder(wire.AddTcpFront("missing-app", "0.0.0.0:9000"))
	if err == nil {
		t.Fatalf("expected error adding a tcp front for an unknown application")
	}
}

func TestDeactivateListenerRoundTrips(t *testing.T) {
	original := sampleState(t)
	apply(t, original, []wire.Order{
		wire.AddTcpFront("app", "0.0.0.0:9000"),
		{Kind: wire.KindDeactivateListener, ListenAddr: "0.0.0.0:9000"},
		{Kind: wire.KindDeactivateListener, Hostname: "ex.com", PathBegin: "/"},
	})

	if original.TCPFronts["0.0.0.0:9000"].Active {
		t.Fatalf("expected tcp front to be inactive")
	}
	if original.HTTPFronts[wire.FrontendKey{Hostname: "ex.com", PathBegin: "/"}].Active {
		t.Fatalf("expected http front to be inactive")
	}

	replayed := New()
	apply(t, replayed, original.GenerateOrders())

	if !original.Equal(replayed) {
		t.Fatalf("round trip mismatch with deactivated listeners:\noriginal: %+v\nreplayed: %+v", original, replayed)
	}
}

func TestActivateListenerUnknownTargetErrors(t *testing.T) {
	s := New()
	if err := s.HandleOrder(wire.Order{Kind: wire.KindActivateListener, ListenAddr: "127.0.0.1:1"}); !errors.Is(err, ErrUnknownListener) {
		t.Fatalf("expected ErrUnknownListener for an unregistered tcp address, got %v", err)
	}
	if err := s.HandleOrder(wire.Order{Kind: wire.KindActivateListener, Hostname: "ex.com", PathBegin: "/"}); !errors.Is(err, ErrUnknownListener) {
		t.Fatalf("expected ErrUnknownListener for an unregistered http front, got %v", err)
	}
}

func TestDiffTogglesListenerActivation(t *testing.T) {
	source := sampleState(t)
	apply(t, source, []wire.Order{wire.AddTcpFront("app", "0.0.0.0:9000")})

	target := sampleState(t)
	apply(t, target, []wire.Order{
		wire.AddTcpFront("app", "0.0.0.0:9000"),
		{Kind: wire.KindDeactivateListener, ListenAddr: "0.0.0.0:9000"},
		{Kind: wire.KindDeactivateListener, Hostname: "ex.com", PathBegin: "/"},
	})

	apply(t, source, source.Diff(target))

	if !source.Equal(target) {
		t.Fatalf("diff+apply mismatch after listener toggle:\ngot:  %+v\nwant: %+v", source, target)
	}
}

func TestDiffOrderingRemovalsBeforeAdditions(t *testing.T) {
	source := New()
	apply(t, source, []wire.Order{{Kind: wire.KindAddApplication, AppID: "old"}})

	target := New()
	apply(t, target, []wire.Order{{Kind: wire.KindAddApplication, AppID: "new"}})

	diff := source.Diff(target)
	if len(diff) != 2 {
		t.Fatalf("expected exactly 2 orders, got %d: %+v", len(diff), diff)
	}
	if diff[0].Kind != wire.KindRemoveApplication {
		t.Fatalf("expected removal first, got %s", diff[0].Kind)
	}
	if diff[1].Kind != wire.KindAddApplication {
		t.Fatalf("expected addition second, got %s", diff[1].Kind)
	}
}
