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

// Package telemetry exposes the master's own Prometheus metrics: order
// dispatch volume, fan-out outcomes, worker population, and upgrade
// attempts. Registration happens eagerly in init, exactly as
// internal/ratelimiter/telemetry/churn registers its counters, so the
// registry is populated whether or not -metrics-addr ever serves them.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxymaster_orders_dispatched_total",
		Help: "Total orders dispatched to workers, by order kind.",
	}, []string{"kind"})

	fanoutCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxymaster_fanout_completed_total",
		Help: "Total fan-outs completed, by terminal status.",
	}, []string{"status"})

	workersRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxymaster_workers_running",
		Help: "Number of workers currently in the Running run-state.",
	})

	upgradeAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxymaster_upgrade_attempts_total",
		Help: "Total UpgradeMaster attempts, by outcome (ok, error; an acknowledgement timeout counts as error).",
	}, []string{"outcome"})

	adminSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxymaster_admin_sessions_active",
		Help: "Number of currently connected admin client sessions.",
	})

	adminSessionsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxymaster_admin_sessions_rejected_total",
		Help: "Total admin connections closed immediately because the session table was full.",
	})
)

func init() {
	prometheus.MustRegister(
		ordersDispatchedTotal,
		fanoutCompletedTotal,
		workersRunning,
		upgradeAttemptsTotal,
		adminSessionsActive,
		adminSessionsRejectedTotal,
	)
}

// ObserveOrderDispatched increments the per-kind dispatch counter.
func ObserveOrderDispatched(kind string) {
	ordersDispatchedTotal.WithLabelValues(kind).Inc()
}

// ObserveFanoutCompleted increments the per-status fan-out completion counter.
func ObserveFanoutCompleted(status string) {
	fanoutCompletedTotal.WithLabelValues(status).Inc()
}

// SetWorkersRunning sets the current count of Running workers.
func SetWorkersRunning(n int) { workersRunning.Set(float64(n)) }

// ObserveUpgradeAttempt increments the per-outcome upgrade counter.
func ObserveUpgradeAttempt(outcome string) {
	upgradeAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetAdminSessionsActive sets the current count of connected admin sessions.
func SetAdminSessionsActive(n int) { adminSessionsActive.Set(float64(n)) }

// ObserveAdminSessionRejected increments the rejected-connection counter,
// incremented whenever a new admin connection arrives while the session
// table is already full.
func ObserveAdminSessionRejected() { adminSessionsRejectedTotal.Inc() }

// Serve starts a dedicated HTTP server exposing /metrics on addr. It
// returns immediately; the server runs until the process exits, matching
// churn.startMetricsEndpoint's fire-and-forget style.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
