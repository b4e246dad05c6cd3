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

// Package wire defines the JSON-framed message types exchanged across the
// admin socket, the worker channel, and the upgrade pipe. These are value
// types: equality is structural, and none of them hold live resources
// (file descriptors, connections) so they are safe to copy, diff, and log.
package wire

import "encoding/json"

// OrderKind tags the variant carried by an Order.
type OrderKind string

const (
	KindAddApplication     OrderKind = "AddApplication"
	KindRemoveApplication  OrderKind = "RemoveApplication"
	KindAddHttpFront       OrderKind = "AddHttpFront"
	KindRemoveHttpFront    OrderKind = "RemoveHttpFront"
	KindAddHttpsFront      OrderKind = "AddHttpsFront"
	KindRemoveHttpsFront   OrderKind = "RemoveHttpsFront"
	KindAddTcpFront        OrderKind = "AddTcpFront"
	KindRemoveTcpFront     OrderKind = "RemoveTcpFront"
	KindActivateListener   OrderKind = "ActivateListener"
	KindDeactivateListener OrderKind = "DeactivateListener"
	KindAddCertificate     OrderKind = "AddCertificate"
	KindRemoveCertificate  OrderKind = "RemoveCertificate"
	KindAddBackend         OrderKind = "AddBackend"
	KindRemoveBackend      OrderKind = "RemoveBackend"
	KindSoftStop           OrderKind = "SoftStop"
	KindHardStop           OrderKind = "HardStop"
	KindStatus             OrderKind = "Status"
	KindMetrics            OrderKind = "Metrics"
)

// clusterAliases maps the older "cluster" vocabulary some clients still
// emit onto the Application-centric tag set used on the wire here.
// Decoding either tag produces the same OrderKind.
var clusterAliases = map[OrderKind]OrderKind{
	"AddCluster":    KindAddApplication,
	"RemoveCluster": KindRemoveApplication,
}

// normalizeKind resolves a cluster alias to its canonical kind, if any.
func normalizeKind(k OrderKind) OrderKind {
	if canon, ok := clusterAliases[k]; ok {
		return canon
	}
	return k
}

// Order is a tagged variant describing one mutation or query against the
// proxy configuration plane. Only the fields relevant to Kind are set; the
// rest are the zero value. Order is a value type; every field is a
// string, so two Orders compare structurally with ==.
type Order struct {
	Kind OrderKind `json:"kind"`

	AppID string `json:"app_id,omitempty"`

	Hostname   string `json:"hostname,omitempty"`
	PathBegin  string `json:"path_begin,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"`

	CertificateFingerprint string `json:"certificate_fingerprint,omitempty"`
	CertificatePEM         string `json:"certificate_pem,omitempty"`
	CertificateKeyPEM      string `json:"certificate_key_pem,omitempty"`

	BackendID      string `json:"backend_id,omitempty"`
	BackendAddress string `json:"backend_address,omitempty"`
}

// UnmarshalKind normalizes a decoded Kind tag, resolving cluster aliases.
// Callers that decode an Order via encoding/json should call this once
// after Unmarshal to keep the rest of the codebase oblivious to aliases.
func (o *Order) UnmarshalKind() {
	o.Kind = normalizeKind(o.Kind)
}

// FrontendKey identifies an HTTP or HTTPS frontend by the key that must
// be unique per scheme: (hostname, path_prefix).
type FrontendKey struct {
	Hostname  string `json:"hostname"`
	PathBegin string `json:"path_begin"`
}

// MarshalText lets FrontendKey serve as a map key under encoding/json,
// which otherwise refuses to marshal maps keyed by plain structs:
// ConfigState's frontend tables are map[FrontendKey]Frontend.
func (k FrontendKey) MarshalText() ([]byte, error) {
	return json.Marshal(struct {
		Hostname  string `json:"hostname"`
		PathBegin string `json:"path_begin"`
	}{k.Hostname, k.PathBegin})
}

// UnmarshalText is the inverse of MarshalText.
func (k *FrontendKey) UnmarshalText(text []byte) error {
	var aux struct {
		Hostname  string `json:"hostname"`
		PathBegin string `json:"path_begin"`
	}
	if err := json.Unmarshal(text, &aux); err != nil {
		return err
	}
	k.Hostname, k.PathBegin = aux.Hostname, aux.PathBegin
	return nil
}

// AddHttpFront builds the Order for adding an HTTP frontend.
func AddHttpFront(appID string, key FrontendKey) Order {
	return Order{Kind: KindAddHttpFront, AppID: appID, Hostname: key.Hostname, PathBegin: key.PathBegin}
}

// AddHttpsFront builds the Order for adding an HTTPS frontend.
func AddHttpsFront(appID string, key FrontendKey) Order {
	return Order{Kind: KindAddHttpsFront, AppID: appID, Hostname: key.Hostname, PathBegin: key.PathBegin}
}

// AddTcpFront builds the Order for adding a TCP frontend.
func AddTcpFront(appID, listenAddr string) Order {
	return Order{Kind: KindAddTcpFront, AppID: appID, ListenAddr: listenAddr}
}
