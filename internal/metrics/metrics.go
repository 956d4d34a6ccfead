// Copyright (c) 2026 John Earle
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

// Package metrics holds the relayer's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TxSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_tx_submitted_total",
			Help: "Transactions handed to the chain, by chain and result",
		},
		[]string{"chain", "result"}, // result: accepted, rejected
	)

	TxConfirmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayer_tx_confirm_duration_seconds",
			Help:    "Time from submission to the configured confirmation depth",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
		},
		[]string{"chain", "result"}, // result: confirmed, reverted, no_receipt
	)

	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_request_transitions_total",
			Help: "Request status transitions",
		},
		[]string{"from", "to"},
	)

	Replies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_replies_total",
			Help: "Inbound replies by outcome",
		},
		[]string{"outcome"}, // matched, unmatched, stale, not_a_reply
	)

	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_emails_sent_total",
			Help: "Outbound emails by kind and result",
		},
		[]string{"kind", "result"},
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_inbound_messages_total",
			Help: "Messages consumed from the inbound queue",
		},
		[]string{"kind", "result"},
	)
)

// RecordConfirmation observes how long a transaction took to settle.
func RecordConfirmation(chain, result string, d time.Duration) {
	TxConfirmDuration.WithLabelValues(chain, result).Observe(d.Seconds())
}

// RecordTransition counts one request status change.
func RecordTransition(from, to string) {
	RequestTransitions.WithLabelValues(from, to).Inc()
}
