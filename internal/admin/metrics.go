// Copyright (c) 2024 the waterfall5 authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package admin

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide set of Prometheus collectors described
// in spec.md's admin/metrics surface. Each collector is registered
// once at package init via promauto; increments are safe to call from
// any goroutine without extra locking, the client library handles it.
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "waterfall5_connections_total",
			Help: "SOCKS5 connections accepted, by command (connect|udp_associate).",
		},
		[]string{"command"},
	)

	BytesRelayedTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "waterfall5_bytes_relayed_total",
			Help: "Bytes relayed between client and upstream, by direction (upload|download).",
		},
		[]string{"direction"},
	)

	StrategyInvocationsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "waterfall5_strategy_invocations_total",
			Help: "Desync strategy dispatches, by method name.",
		},
		[]string{"method"},
	)

	StallDetectionsTotal = promauto.NewCounter(
		prom.CounterOpts{
			Name: "waterfall5_stall_detections_total",
			Help: "Downloads aborted after the 16-32 KB stall signature.",
		},
	)

	DoHQueryDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "waterfall5_doh_query_duration_seconds",
		Help:    "DoH query latency, by outcome (hit|miss|error).",
		Buckets: prom.DefBuckets,
	}, []string{"outcome"})
)

// IncConnections increments the connection counter for cmd ("connect"
// or "udp_associate").
func IncConnections(cmd string) {
	ConnectionsTotal.WithLabelValues(cmd).Inc()
}

// AddBytesRelayed accumulates bytes transferred in direction ("upload"
// or "download").
func AddBytesRelayed(direction string, n int64) {
	if n <= 0 {
		return
	}
	BytesRelayedTotal.WithLabelValues(direction).Add(float64(n))
}

// IncStrategyInvocation increments the per-method desync dispatch
// counter.
func IncStrategyInvocation(method string) {
	StrategyInvocationsTotal.WithLabelValues(method).Inc()
}

// IncStallDetected increments the stall-detection counter.
func IncStallDetected() {
	StallDetectionsTotal.Inc()
}

// ObserveDoHQuery records a DoH query's latency under outcome ("hit",
// "miss", or "error").
func ObserveDoHQuery(outcome string, seconds float64) {
	DoHQueryDuration.WithLabelValues(outcome).Observe(seconds)
}
