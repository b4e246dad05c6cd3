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

package wire

import (
	"encoding/json"
	"testing"
)

func TestAdminMessageRoundTrip(t *testing.T) {
	msg := AdminMessage{
		ID: "r1",
		Data: ConfigCommand{
			Kind: CmdProxyConfiguration,
			Order: AddHttpFront("app", FrontendKey{
				Hostname:  "ex.com",
				PathBegin: "/",
			}),
		},
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded AdminMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != msg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, msg)
	}
}

func TestClusterAliasNormalizesToApplication(t *testing.T) {
	raw := []byte(`{"kind":"AddCluster","app_id":"app"}`)
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	o.UnmarshalKind()
	if o.Kind != KindAddApplication {
		t.Fatalf("expected alias to normalize to %q, got %q", KindAddApplication, o.Kind)
	}
}

func TestAdminAnswerAtMostOneTerminalStatus(t *testing.T) {
	// Document the invariant in code: Processing is non-terminal.
	processing := AdminAnswer{ID: "r1", Status: StatusProcessing}
	ok := AdminAnswer{ID: "r1", Status: StatusOk}
	if processing.Status == StatusOk || processing.Status == StatusError {
		t.Fatalf("Processing must not equal a terminal status")
	}
	if ok.Status != StatusOk {
		t.Fatalf("expected Ok status")
	}
}
