// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package majordomo

import "github.com/prometheus/client_golang/prometheus"

type brokerMetrics struct {
	requests   *prometheus.CounterVec
	replies    *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	registered *prometheus.CounterVec
	purged     prometheus.Counter
	violations prometheus.Counter
	workers    prometheus.Gauge
}

// newBrokerMetrics builds the broker collectors and registers them with
// reg when it is not nil. Registering two brokers with the same registry
// panics.
func newBrokerMetrics(reg prometheus.Registerer) *brokerMetrics {
	m := &brokerMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mdp",
				Subsystem: "broker",
				Name:      "requests_total",
				Help:      "Client requests accepted, by service.",
			},
			[]string{"service"},
		),
		replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mdp",
				Subsystem: "broker",
				Name:      "replies_total",
				Help:      "Replies routed back to clients, by service.",
			},
			[]string{"service"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mdp",
				Subsystem: "broker",
				Name:      "dispatched_total",
				Help:      "Requests handed to workers, by service.",
			},
			[]string{"service"},
		),
		registered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mdp",
				Subsystem: "broker",
				Name:      "workers_registered_total",
				Help:      "Workers that announced READY, by service.",
			},
			[]string{"service"},
		),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mdp",
			Subsystem: "broker",
			Name:      "workers_expired_total",
			Help:      "Idle workers deleted after missing heartbeats.",
		}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mdp",
			Subsystem: "broker",
			Name:      "protocol_errors_total",
			Help:      "Inbound messages rejected as malformed or unexpected.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mdp",
			Subsystem: "broker",
			Name:      "workers",
			Help:      "Workers currently known to the broker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.replies, m.dispatched, m.registered, m.purged, m.violations, m.workers)
	}
	return m
}
